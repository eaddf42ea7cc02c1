package sync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"davsync/internal/config"
	"davsync/internal/fs"
	"davsync/internal/fs/local"
)

// Options 初始化选项
type Options struct {
	LocalDir  string
	RemoteDir string
	Session   fs.Session
	LocalFs   afero.Fs // 为空时使用真实文件系统
	Journal   Journal  // 为空时不记录
	Listener  Listener
	Clock     clockwork.Clock

	ChunkSize     int64
	DownloadLimit int64 // 字节/秒，负数表示百分比，0 表示不限速
	UploadLimit   int64

	// 只读共享目录 (相对路径)，在这些目录下不尝试修改服务器
	ReadOnlyShares []string
}

// Propagator 执行一组已经比对完成的 SyncItem
// 本地操作在事件循环中执行，所有服务器操作由唯一的网络协程串行执行
type Propagator struct {
	opts     *Options
	local    *local.Adapter
	journal  Journal
	listener Listener
	clock    clockwork.Clock

	aborted       atomic.Bool
	downloadLimit atomic.Int64
	uploadLimit   atomic.Int64
	transferred   atomic.Int64
	worst         atomic.Int64 // 已完成条目中最严重的状态

	started    atomic.Bool
	root       atomic.Pointer[directoryJob]
	group      errgroup.Group
	isFinished atomic.Bool
	finishedCh chan struct{}
	notifyMu   sync.Mutex
	quiet      bool // Finished 之后不再通知，由 notifyMu 保护

	// 以下只在事件循环中使用
	ctx        context.Context
	pending    []func()
	loopDone   bool
	remoteJobs int

	events   chan func()
	netQueue chan *itemJob
}

// New 创建 Propagator，未设置的选项使用默认值
func New(opts *Options) *Propagator {
	if opts.LocalDir != "" && !strings.HasSuffix(opts.LocalDir, "/") {
		opts.LocalDir += "/"
	}
	if !strings.HasPrefix(opts.RemoteDir, "/") {
		opts.RemoteDir = "/" + opts.RemoteDir
	}
	if !strings.HasSuffix(opts.RemoteDir, "/") {
		opts.RemoteDir += "/"
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.DefaultChunkSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	if opts.Listener == nil {
		opts.Listener = ListenerFuncs{}
	}

	p := &Propagator{
		opts:       opts,
		local:      local.NewAdapter(opts.LocalFs, opts.LocalDir),
		journal:    opts.Journal,
		listener:   opts.Listener,
		clock:      opts.Clock,
		finishedCh: make(chan struct{}),
	}
	p.downloadLimit.Store(opts.DownloadLimit)
	p.uploadLimit.Store(opts.UploadLimit)
	return p
}

// Start 构建整棵任务树并开始执行，不等待执行结束
// 取消 ctx 会中止正在进行的网络请求，并且等同于调用 Abort
func (p *Propagator) Start(ctx context.Context, items []*SyncItem) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("propagator 已经启动过")
	}
	p.ctx = ctx

	root := p.buildTree(items)
	root.bind(func(status Status) {
		p.loopDone = true
		slog.Info("传播完成", "status", status, "transferred", p.BytesTransferred())
		p.finish(status)
	})
	p.root.Store(root)
	if p.aborted.Load() {
		root.abort()
	}

	p.events = make(chan func(), 64)
	// 每个远程任务最多入队一次，事件循环永远不会阻塞在这里
	p.netQueue = make(chan *itemJob, max(p.remoteJobs, 1))

	slog.Info("开始传播", "items", len(items), "remoteJobs", p.remoteJobs)

	p.group.Go(func() error {
		return p.eventLoop(ctx)
	})
	p.group.Go(func() error {
		return p.networkLoop(ctx)
	})
	return nil
}

// Abort 设置中止标记并立即发出 Finished，不等待网络协程退出
// 需要等待所有操作真正结束时调用 Wait
func (p *Propagator) Abort() {
	if !p.aborted.Swap(true) {
		slog.Warn("传播被中止")
	}
	if root := p.root.Load(); root != nil {
		root.abort()
	}
	p.finish(Status(p.worst.Load()))
}

// Aborted 是否已经调用过 Abort
func (p *Propagator) Aborted() bool {
	return p.aborted.Load()
}

// Finished 在发出 Finished 通知后关闭
func (p *Propagator) Finished() <-chan struct{} {
	return p.finishedCh
}

// Wait 等待事件循环和网络协程都退出，返回整棵树的汇总状态
func (p *Propagator) Wait() Status {
	p.group.Wait()
	if root := p.root.Load(); root != nil {
		return root.status
	}
	return StatusNone
}

func (p *Propagator) SetDownloadLimit(limit int64) { p.downloadLimit.Store(limit) }
func (p *Propagator) SetUploadLimit(limit int64)   { p.uploadLimit.Store(limit) }
func (p *Propagator) DownloadLimit() int64         { return p.downloadLimit.Load() }
func (p *Propagator) UploadLimit() int64           { return p.uploadLimit.Load() }

// BytesTransferred 已传输的字节数 (上传和下载合计)
func (p *Propagator) BytesTransferred() int64 {
	return p.transferred.Load()
}

// buildTree 按目录层次把条目组织成任务树
// items 必须保证目录条目在其子条目之前
func (p *Propagator) buildTree(items []*SyncItem) *directoryJob {
	type frame struct {
		prefix string
		dir    *directoryJob
	}

	root := newDirectoryJob(p, nil)
	stack := []frame{{prefix: "", dir: root}}
	// 删除目录放到最后执行：目录中的文件可能先要被移走
	var removals []job
	removedPrefix := ""

	for _, item := range items {
		if removedPrefix != "" && strings.HasPrefix(item.File, removedPrefix) {
			// 整个目录会被递归删除
			continue
		}
		for len(stack) > 1 && !strings.HasPrefix(item.File, stack[len(stack)-1].prefix) {
			stack = stack[:len(stack)-1]
		}
		parent := stack[len(stack)-1].dir

		if !item.IsDirectory {
			parent.append(p.createJob(item))
			continue
		}

		if item.Instruction == InstructionRemove {
			removals = append(removals, p.createJob(item))
			removedPrefix = item.File + "/"
			continue
		}

		dir := newDirectoryJob(p, item)
		if item.Instruction != InstructionNone {
			dir.setHead(p.createJob(item))
		}
		parent.append(dir)
		stack = append(stack, frame{prefix: item.File + "/", dir: dir})
	}

	for _, j := range removals {
		root.append(j)
	}
	return root
}

// createJob 根据操作类型和方向选择叶子任务
func (p *Propagator) createJob(item *SyncItem) *itemJob {
	var a action
	switch item.Instruction {
	case InstructionRemove:
		switch item.Direction {
		case DirectionDown:
			a = localRemove{}
		case DirectionUp:
			a = remoteRemove{}
		}
	case InstructionMkdir:
		switch item.Direction {
		case DirectionDown:
			a = localMkdir{}
		case DirectionUp:
			a = remoteMkdir{}
		}
	case InstructionRename:
		switch item.Direction {
		case DirectionDown:
			a = localRename{}
		case DirectionUp:
			a = remoteRename{}
		}
	case InstructionUpload:
		a = uploadAction{}
	case InstructionDownload:
		a = downloadAction{}
	case InstructionRestore:
		a = downloadAction{restore: true}
	}
	if a == nil {
		a = ignoreAction{}
	}
	if a.context() == onNetwork {
		p.remoteJobs++
	}
	return &itemJob{p: p, item: item, action: a}
}

// post 把消息放入事件循环的本地队列，只能在事件循环中调用
func (p *Propagator) post(fn func()) {
	p.pending = append(p.pending, fn)
}

// send 从网络协程把消息送回事件循环
func (p *Propagator) send(fn func()) {
	p.events <- fn
}

func (p *Propagator) eventLoop(ctx context.Context) error {
	defer close(p.netQueue)

	p.post(p.root.Load().start)
	done := ctx.Done()
	if ctx.Err() != nil {
		p.Abort()
		done = nil
	}
	for !p.loopDone {
		if len(p.pending) > 0 {
			fn := p.pending[0]
			p.pending = p.pending[1:]
			fn()
			continue
		}
		select {
		case fn := <-p.events:
			fn()
		case <-done:
			slog.Warn("上下文已取消", "err", ctx.Err())
			p.Abort()
			done = nil
		}
	}
	return nil
}

func (p *Propagator) networkLoop(ctx context.Context) error {
	for j := range p.netQueue {
		j.deliver = p.send
		if j.isAborted() {
			j.done(StatusIgnored, "aborted")
			continue
		}
		j.execute(ctx)
	}
	return nil
}

// completeItem 在事件循环中处理叶子任务的结果
func (p *Propagator) completeItem(j *itemJob, status Status, errString string, httpCode int) {
	item := j.item
	item.Status = status
	item.ErrorString = errString
	item.HTTPCode = httpCode

	for {
		worst := p.worst.Load()
		next := Status(worst).Worse(status)
		if next == Status(worst) || p.worst.CompareAndSwap(worst, int64(next)) {
			break
		}
	}

	switch {
	case status.IsFailure():
		slog.Error("条目失败", "path", item.File, "op", item.Instruction, "status", status, "err", errString, "http", httpCode)
	case status == StatusSoftError:
		slog.Warn("条目暂时失败，下次同步重试", "path", item.File, "op", item.Instruction, "err", errString)
	default:
		slog.Debug("条目完成", "path", item.File, "op", item.Instruction, "status", status)
	}

	p.notify(func(l Listener) {
		l.Completed(item)
	})
	j.finished(status)
}

func (p *Propagator) notifyProgress(progress Progress) {
	p.notify(func(l Listener) {
		l.Progress(progress)
	})
}

func (p *Propagator) notify(fn func(l Listener)) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if p.quiet {
		return
	}
	fn(p.listener)
}

// finish 发出唯一的一次 Finished 通知
func (p *Propagator) finish(status Status) {
	if !p.isFinished.CompareAndSwap(false, true) {
		return
	}
	p.notifyMu.Lock()
	p.quiet = true
	p.listener.Finished(status)
	p.notifyMu.Unlock()
	close(p.finishedCh)
}

// remotePath 返回服务器上的完整路径
func (p *Propagator) remotePath(relPath string) string {
	return p.opts.RemoteDir + relPath
}

// readOnlyShare 返回 relPath 所在的只读共享目录，不在任何只读共享中时返回空
func (p *Propagator) readOnlyShare(relPath string) string {
	for _, share := range p.opts.ReadOnlyShares {
		share = strings.Trim(share, "/")
		if share == "" {
			continue
		}
		if relPath == share || strings.HasPrefix(relPath, share+"/") {
			return share
		}
	}
	return ""
}
