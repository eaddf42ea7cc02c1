package sync

import (
	"io"
	"time"

	"github.com/jonboulle/clockwork"
)

// 百分比模式下单次最多等待的时间
const maxPercentDelay = 10 * time.Second

// throttleDelay 根据一次进度采样计算需要等待的时间
// limit > 0: 每秒字节数，只在传输快于限速时等待
// -100 < limit < 0: 只占用 |limit|% 的带宽，即每传输 elapsed 时间就休息 elapsed*(100/|limit|-1)
func throttleDelay(delta int64, elapsed time.Duration, limit int64) time.Duration {
	switch {
	case limit > 0:
		ideal := time.Duration(float64(delta) / float64(limit) * float64(time.Second))
		if ideal > elapsed {
			return ideal - elapsed
		}
		return 0
	case limit < 0 && limit > -100:
		wait := time.Duration(float64(elapsed) * (100/float64(-limit) - 1))
		if wait > maxPercentDelay {
			wait = maxPercentDelay
		}
		return wait
	default:
		return 0
	}
}

// limiter 每个传输任务一个，只在网络协程中使用
type limiter struct {
	clock     clockwork.Clock
	lastTime  time.Time
	lastBytes int64
}

func newLimiter(clock clockwork.Clock) *limiter {
	return &limiter{clock: clock}
}

// limit 记录一次进度采样，必要时阻塞当前协程
func (l *limiter) limit(progress, limit int64) {
	now := l.clock.Now()
	if !l.lastTime.IsZero() && limit != 0 {
		if wait := throttleDelay(progress-l.lastBytes, now.Sub(l.lastTime), limit); wait > 0 {
			l.clock.Sleep(wait)
			now = l.clock.Now()
		}
	}
	l.lastTime = now
	l.lastBytes = progress
}

// throttledReader 每次 Read 之后按当前限速值节流
// limitFn 每次都会重新读取，运行中修改的限速立即生效
type throttledReader struct {
	r       io.Reader
	limiter *limiter
	limitFn func() int64
	done    int64
}

func (t *throttledReader) Read(b []byte) (int, error) {
	n, err := t.r.Read(b)
	if n > 0 {
		t.done += int64(n)
		t.limiter.limit(t.done, t.limitFn())
	}
	return n, err
}
