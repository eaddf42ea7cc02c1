package sync

type dirState int

const (
	dirPending dirState = iota
	dirRunningHead
	dirRunningChildren
	dirDone
)

// directoryJob 目录任务
// 先执行目录自身的任务 (创建/重命名)，完成后再按顺序逐个执行子任务
type directoryJob struct {
	p        *Propagator
	item     *SyncItem // 根节点为 nil
	head     job       // 可以为空
	children []job
	finished func(Status)

	state   dirState
	current int
	status  Status
}

func newDirectoryJob(p *Propagator, item *SyncItem) *directoryJob {
	return &directoryJob{p: p, item: item}
}

func (d *directoryJob) setHead(j job) {
	j.bind(d.subJobFinished)
	d.head = j
}

func (d *directoryJob) append(j job) {
	j.bind(d.subJobFinished)
	d.children = append(d.children, j)
}

func (d *directoryJob) bind(finished func(Status)) {
	d.finished = finished
}

func (d *directoryJob) start() {
	if d.state != dirPending {
		return
	}
	if d.head != nil {
		d.state = dirRunningHead
		d.head.start()
		return
	}
	d.state = dirRunningChildren
	d.startCurrent()
}

// abort 转发给目录任务和所有子任务，未开始的子任务启动时会直接报告 Ignored
func (d *directoryJob) abort() {
	if d.head != nil {
		d.head.abort()
	}
	for _, child := range d.children {
		child.abort()
	}
}

// subJobFinished 子任务失败不影响后面的兄弟任务
func (d *directoryJob) subJobFinished(status Status) {
	d.status = d.status.Worse(status)

	switch d.state {
	case dirRunningHead:
		d.state = dirRunningChildren
		d.current = 0
	case dirRunningChildren:
		d.current++
	default:
		return
	}
	d.startCurrent()
}

func (d *directoryJob) startCurrent() {
	if d.current < len(d.children) {
		d.children[d.current].start()
		return
	}
	d.state = dirDone
	status := d.status
	d.p.post(func() {
		d.finished(status)
	})
}
