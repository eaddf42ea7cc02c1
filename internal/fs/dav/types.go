package dav

import (
	"encoding/xml"
	"fmt"
	"time"
)

// ownCloud 扩展的请求/响应头
const (
	HeaderChunked = "OC-Chunked"
	HeaderMtime   = "X-OC-Mtime"
	HeaderETag    = "ETag"
	HeaderOCETag  = "OC-ETag"
)

// MtimeAccepted 是服务器接受 X-OC-Mtime 时 X-OC-MTime 响应头的值
const MtimeAccepted = "accepted"

// ChunkPath 分片上传时每个分片使用的路径
// 格式: <path>-chunking-<transferid>-<count>-<index>
func ChunkPath(remotePath, transferID string, count, index int) string {
	return fmt.Sprintf("%s-chunking-%s-%d-%d", remotePath, transferID, count, index)
}

// propertyUpdate PROPPATCH 请求体
type propertyUpdate struct {
	XMLName xml.Name `xml:"D:propertyupdate"`
	XMLNS   string   `xml:"xmlns:D,attr"`
	Set     struct {
		Prop struct {
			LastModified int64 `xml:"D:lastmodified"`
		} `xml:"D:prop"`
	} `xml:"D:set"`
}

func newLastModifiedUpdate(modTime time.Time) propertyUpdate {
	var u propertyUpdate
	u.XMLNS = "DAV:"
	u.Set.Prop.LastModified = modTime.Unix()
	return u
}
