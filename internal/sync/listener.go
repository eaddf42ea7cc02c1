package sync

// Listener 接收传播过程中的通知
// 所有回调都是串行调用的，Finished 之后不会再有任何回调
// 回调中不要阻塞太久，也不要调用 Propagator 的方法
type Listener interface {
	Progress(p Progress)
	Completed(item *SyncItem)
	Finished(status Status)
}

// ListenerFuncs 用函数实现 Listener，未设置的回调被忽略
type ListenerFuncs struct {
	OnProgress  func(p Progress)
	OnCompleted func(item *SyncItem)
	OnFinished  func(status Status)
}

func (l ListenerFuncs) Progress(p Progress) {
	if l.OnProgress != nil {
		l.OnProgress(p)
	}
}

func (l ListenerFuncs) Completed(item *SyncItem) {
	if l.OnCompleted != nil {
		l.OnCompleted(item)
	}
}

func (l ListenerFuncs) Finished(status Status) {
	if l.OnFinished != nil {
		l.OnFinished(status)
	}
}
