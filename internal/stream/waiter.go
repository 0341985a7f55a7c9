package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"marketprobe.com/pkg/logger"
	"marketprobe.com/pkg/metrics"
)

type mode int

const (
	modeCollect mode = iota
	modeSilence
)

func (m mode) String() string {
	if m == modeSilence {
		return "silence"
	}
	return "collect"
}

type result struct {
	msgs []Message
	err  error
}

// waiter 一次未决的等待：predicate + 目标条数 + 截止时间 + 累计结果。
// settled 是 single-flight 守卫：match 和 timer 谁先到谁算，另一条路径变 no-op。
type waiter struct {
	pred    Predicate
	want    int
	mode    mode
	timeout time.Duration

	mu      sync.Mutex
	settled bool
	got     []Message
	timer   *time.Timer

	done chan result // 缓冲 1，settle 永不阻塞
	born time.Time
}

func newWaiter(pred Predicate, want int, md mode, timeout time.Duration) *waiter {
	return &waiter{
		pred:    pred,
		want:    want,
		mode:    md,
		timeout: timeout,
		got:     make([]Message, 0, want),
		done:    make(chan result, 1),
		born:    time.Now(),
	}
}

// deliver evaluates the predicate against one inbound message. Returns true
// when this delivery settled the waiter, so the caller can deregister it
// before moving on to the next waiter.
func (w *waiter) deliver(msg Message) bool {
	if !w.matches(msg) {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return false
	}

	switch w.mode {
	case modeCollect:
		w.got = append(w.got, msg)
		if len(w.got) < w.want {
			return false
		}
		w.settleLocked(result{msgs: w.got})
	case modeSilence:
		// 一条就够判负，不等窗口走完
		w.settleLocked(result{err: &UnexpectedMessageError{Message: msg}})
	}
	return true
}

// expire fires the deadline path. Returns true when it settled the waiter
// (false means a match already won the race).
func (w *waiter) expire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return false
	}

	switch w.mode {
	case modeCollect:
		metrics.WaitTimeouts.WithLabelValues(w.mode.String()).Inc()
		w.settleLocked(result{err: &WaitTimeoutError{Want: w.want, Got: len(w.got), Timeout: w.timeout}})
	case modeSilence:
		// 窗口走完没人来，静默成立
		w.settleLocked(result{})
	}
	return true
}

// arm starts the deadline timer unless a match already settled the waiter.
func (w *waiter) arm(onExpire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return
	}
	w.timer = time.AfterFunc(w.timeout, onExpire)
}

// settleLocked caller must hold w.mu. Exactly one call per waiter.
func (w *waiter) settleLocked(res result) {
	w.settled = true
	if w.timer != nil {
		w.timer.Stop()
	}
	metrics.SettleDuration.Observe(time.Since(w.born).Seconds())
	w.done <- res
}

// matches 评估 predicate；panic 按“未匹配”处理，绝不让它打穿 dispatch 循环。
func (w *waiter) matches(msg Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			metrics.PredicatePanics.Inc()
			if logger.Log != nil {
				logger.Warn(context.Background(), "predicate panicked, treated as no match",
					zap.Any("panic", r),
					zap.String("mode", w.mode.String()),
				)
			}
		}
	}()
	return w.pred(msg)
}
