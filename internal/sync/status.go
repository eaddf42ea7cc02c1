package sync

// Status 是一个任务的最终结果
type Status int

const (
	StatusNone Status = iota
	StatusIgnored
	StatusSuccess
	StatusSoftError   // 暂时性错误，下一轮同步会自动重试
	StatusNormalError // 该条目失败，其他条目继续
	StatusFatalError
)

var statusNames = []string{"none", "ignored", "success", "soft error", "normal error", "fatal error"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Severity 严重程度：None 和 Ignored 同级且最低
func (s Status) Severity() int {
	switch s {
	case StatusSuccess:
		return 1
	case StatusSoftError:
		return 2
	case StatusNormalError:
		return 3
	case StatusFatalError:
		return 4
	default:
		return 0
	}
}

// Worse 返回两者中更严重的一个
// 同级时保留 s，s 为 None 时取 other
func (s Status) Worse(other Status) Status {
	if s == StatusNone || other.Severity() > s.Severity() {
		return other
	}
	return s
}

// IsFailure 表示这一轮同步存在失败
func (s Status) IsFailure() bool {
	return s == StatusNormalError || s == StatusFatalError
}

// Retryable 表示下一轮同步应当重试
func (s Status) Retryable() bool {
	return s == StatusSoftError
}

// ProgressKind 进度事件的类型
type ProgressKind int

const (
	ProgressStart ProgressKind = iota
	ProgressTransfer
	ProgressEnd
)

func (k ProgressKind) String() string {
	switch k {
	case ProgressStart:
		return "start"
	case ProgressTransfer:
		return "transfer"
	case ProgressEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Progress 是一次进度通知
type Progress struct {
	Kind  ProgressKind
	Item  *SyncItem
	Bytes int64
	Total int64
}
