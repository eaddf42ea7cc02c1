package sync

import "strings"

// CanonicalizeETag 把服务器返回的 ETag 头转换为可比较的值
// 去掉 "-gzip" 后缀 (服务器对压缩传输的变体会加上它)，再去掉一层引号
func CanonicalizeETag(header string) string {
	etag := strings.ReplaceAll(header, "-gzip", "")
	if len(etag) >= 2 && strings.HasPrefix(etag, `"`) && strings.HasSuffix(etag, `"`) {
		etag = etag[1 : len(etag)-1]
	}
	return etag
}
