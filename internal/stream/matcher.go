// Package stream multiplexes many concurrent predicate waits over one inbound
// websocket feed: callers declaratively wait for "the next N messages matching
// P" (Collect) or assert that nothing matching P arrives inside a window
// (AwaitSilence), without polling or fixed sleeps.
package stream

import (
	"fmt"
	"sync"
	"time"

	"marketprobe.com/pkg/metrics"
)

// Matcher owns the registry of active waiters for one connection.
// 没有包级状态：一条连接一个 Matcher，跟着连接一起构造/销毁。
type Matcher struct {
	mu      sync.Mutex
	waiters map[*waiter]struct{}
}

func NewMatcher() *Matcher {
	return &Matcher{
		waiters: make(map[*waiter]struct{}, 16),
	}
}

// Dispatch fans one decoded inbound message out to every waiter registered at
// the moment the pass starts. Waiters registered mid-pass do not see msg.
// 单一 reader goroutine 调用，天然串行；timer 路径靠 waiter 自己的锁互斥。
func (m *Matcher) Dispatch(msg Message) {
	metrics.MessagesDispatched.Inc()
	for _, w := range m.snapshot() {
		if w.deliver(msg) {
			// settle 后立刻摘掉，后续消息不会再投给它
			m.deregister(w)
		}
	}
}

// Collect blocks until want messages matching pred have arrived, returning
// them in receipt order, or fails with *WaitTimeoutError carrying the partial
// count once timeout elapses. Exactly one terminal outcome per call.
func (m *Matcher) Collect(pred Predicate, want int, timeout time.Duration) ([]Message, error) {
	res := <-m.CollectAsync(pred, want, timeout)
	return res.Msgs, res.Err
}

type CollectResult struct {
	Msgs []Message
	Err  error
}

// CollectAsync registers the waiter before returning, so a caller can arm the
// wait, then send the request that provokes the response — no window where an
// early response slips past. The channel delivers exactly one result.
func (m *Matcher) CollectAsync(pred Predicate, want int, timeout time.Duration) <-chan CollectResult {
	out := make(chan CollectResult, 1)
	if pred == nil {
		out <- CollectResult{Err: fmt.Errorf("collect: nil predicate")}
		return out
	}
	if want < 1 {
		out <- CollectResult{Err: fmt.Errorf("collect: target count must be >= 1, got %d", want)}
		return out
	}
	if timeout < 0 {
		out <- CollectResult{Err: fmt.Errorf("collect: negative timeout %s", timeout)}
		return out
	}

	w := newWaiter(pred, want, modeCollect, timeout)
	m.register(w)
	w.arm(func() {
		if w.expire() {
			m.deregister(w)
		}
	})
	go func() {
		res := <-w.done
		out <- CollectResult{Msgs: res.msgs, Err: res.err}
	}()
	return out
}

// AwaitSilence succeeds when no message matching pred arrives within window,
// and fails with *UnexpectedMessageError at the moment of the first match.
func (m *Matcher) AwaitSilence(pred Predicate, window time.Duration) error {
	if pred == nil {
		return fmt.Errorf("await silence: nil predicate")
	}
	if window < 0 {
		return fmt.Errorf("await silence: negative window %s", window)
	}

	w := newWaiter(pred, 0, modeSilence, window)
	return m.run(w).err
}

// run registers the waiter, arms its deadline and blocks until settlement.
func (m *Matcher) run(w *waiter) result {
	m.register(w)
	// 先注册再挂 timer：arm 内部有 settled 检查，注册瞬间被 match 赢掉也不会漏摘
	w.arm(func() {
		if w.expire() {
			m.deregister(w)
		}
	})
	return <-w.done
}

func (m *Matcher) register(w *waiter) {
	m.mu.Lock()
	m.waiters[w] = struct{}{}
	m.mu.Unlock()
	metrics.WaitersActive.Inc()
}

// deregister is idempotent: the match path and the timer path can both reach
// here for the same waiter, the second call is a no-op.
func (m *Matcher) deregister(w *waiter) {
	m.mu.Lock()
	_, ok := m.waiters[w]
	if ok {
		delete(m.waiters, w)
	}
	m.mu.Unlock()
	if ok {
		metrics.WaitersActive.Dec()
	}
}

// snapshot 在锁里拷一份，迭代时不持锁：predicate 里再发请求/再注册都不会死锁。
func (m *Matcher) snapshot() []*waiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*waiter, 0, len(m.waiters))
	for w := range m.waiters {
		out = append(out, w)
	}
	return out
}

// Pending returns the number of currently registered waiters. 测试用。
func (m *Matcher) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
