package sync

import (
	"context"
	"errors"
	"sync/atomic"

	"davsync/internal/fs"
)

// job 是任务树中的一个节点：目录任务或叶子任务
// start/bind 只在事件循环中调用，abort 可以在任何协程中调用
type job interface {
	start()
	abort()
	// bind 设置完成回调，回调在事件循环中执行
	bind(finished func(Status))
}

// execContext 叶子任务运行在哪个协程
type execContext int

const (
	onLoop    execContext = iota // 事件循环 (本地文件操作)
	onNetwork                    // 唯一的网络协程 (所有服务器操作)
)

// action 是叶子任务的具体操作
// run 必须通过 j.done 报告结果
type action interface {
	context() execContext
	run(ctx context.Context, j *itemJob)
}

// itemJob 叶子任务：一个 SyncItem 和对它执行的操作
type itemJob struct {
	p        *Propagator
	item     *SyncItem
	action   action
	finished func(Status)

	started  bool
	aborted  atomic.Bool
	reported bool
	httpCode int

	// deliver 把消息按顺序送回事件循环
	// 在事件循环中是 p.post，在网络协程中是 p.send
	deliver func(func())

	// capture 不为空时结果交给它，而不是事件循环 (用于恢复文件时内嵌的下载)
	capture func(status Status, errString string)
}

func (j *itemJob) bind(finished func(Status)) {
	j.finished = finished
}

func (j *itemJob) start() {
	if j.started {
		return
	}
	j.started = true
	j.deliver = j.p.post

	if j.isAborted() {
		j.done(StatusIgnored, "aborted")
		return
	}
	switch j.action.context() {
	case onNetwork:
		j.p.netQueue <- j
	default:
		j.execute(j.p.ctx)
	}
}

func (j *itemJob) abort() {
	j.aborted.Store(true)
}

func (j *itemJob) isAborted() bool {
	return j.aborted.Load() || j.p.aborted.Load()
}

func (j *itemJob) execute(ctx context.Context) {
	j.action.run(ctx, j)
	if !j.reported {
		j.done(StatusNormalError, "任务结束时没有报告结果")
	}
}

// done 报告最终结果，只有第一次调用有效
func (j *itemJob) done(status Status, errString string) {
	if j.reported {
		return
	}
	j.reported = true

	if j.capture != nil {
		j.capture(status, errString)
		return
	}
	code := j.httpCode
	j.deliver(func() {
		j.p.completeItem(j, status, errString, code)
	})
}

// fail 用 err 报告失败，并记录其中的 HTTP 状态码
func (j *itemJob) fail(status Status, err error) {
	if code := fs.HTTPStatus(err); code != 0 {
		j.httpCode = code
	}
	j.done(status, err.Error())
}

func (j *itemJob) progress(kind ProgressKind, bytes, total int64) {
	p := Progress{Kind: kind, Item: j.item, Bytes: bytes, Total: total}
	j.deliver(func() {
		j.p.notifyProgress(p)
	})
}

// updateErrorFromSession 检查服务器操作的结果
// 状态码等于 ignoreHTTPError 时不算失败，否则以 NormalError 结束任务并返回 true
func (j *itemJob) updateErrorFromSession(err error, ignoreHTTPError int) bool {
	if err == nil {
		return false
	}
	code := fs.HTTPStatus(err)
	if ignoreHTTPError != 0 && code == ignoreHTTPError {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		j.done(StatusSoftError, err.Error())
		return true
	}
	j.fail(StatusNormalError, err)
	return true
}

// ignoreAction 不做任何事
type ignoreAction struct{}

func (ignoreAction) context() execContext { return onLoop }

func (ignoreAction) run(_ context.Context, j *itemJob) {
	j.done(StatusIgnored, "")
}
