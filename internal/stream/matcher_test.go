package stream

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func tick(ch, sym string) Message {
	return Message{
		"channel": ch,
		"type":    "update",
		"data":    []any{map[string]any{"symbol": sym}},
	}
}

func onChannel(ch string) Predicate {
	return func(m Message) bool { return m.Str("channel") == ch }
}

func TestCollect_ExactCountInOrder(t *testing.T) {
	m := NewMatcher()

	done := make(chan struct{})
	var got []Message
	var err error
	go func() {
		defer close(done)
		got, err = m.Collect(onChannel("ticker"), 3, 2*time.Second)
	}()

	waitPending(t, m, 1)

	// 混入不匹配的消息，顺序要保持
	m.Dispatch(tick("ticker", "BTC/USD"))
	m.Dispatch(tick("heartbeat", ""))
	m.Dispatch(tick("ticker", "ETH/USD"))
	m.Dispatch(tick("ticker", "SOL/USD"))
	m.Dispatch(tick("ticker", "XRP/USD")) // 已凑满，第 4 条不该被收

	<-done
	if err != nil {
		t.Fatalf("collect err=%v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	wantSyms := []string{"BTC/USD", "ETH/USD", "SOL/USD"}
	for i, msg := range got {
		item := msg.Items("data")[0].(map[string]any)
		if item["symbol"] != wantSyms[i] {
			t.Fatalf("order broken at %d: want %s got %v", i, wantSyms[i], item["symbol"])
		}
	}
	if m.Pending() != 0 {
		t.Fatalf("waiter leaked: pending=%d", m.Pending())
	}
}

func TestCollect_PartialTimeoutReportsProgress(t *testing.T) {
	m := NewMatcher()

	done := make(chan error, 1)
	go func() {
		_, err := m.Collect(onChannel("ticker"), 3, 400*time.Millisecond)
		done <- err
	}()

	waitPending(t, m, 1)
	m.Dispatch(tick("ticker", "BTC/USD"))
	m.Dispatch(tick("ticker", "ETH/USD"))

	err := <-done
	var wt *WaitTimeoutError
	if !errors.As(err, &wt) {
		t.Fatalf("expected WaitTimeoutError, got %v", err)
	}
	if wt.Got != 2 || wt.Want != 3 {
		t.Fatalf("expected 2/3, got %d/%d", wt.Got, wt.Want)
	}
	if m.Pending() != 0 {
		t.Fatalf("waiter leaked after timeout")
	}
}

func TestAwaitSilence_QuietWindowSucceeds(t *testing.T) {
	m := NewMatcher()

	done := make(chan error, 1)
	go func() { done <- m.AwaitSilence(onChannel("ticker"), 100*time.Millisecond) }()

	waitPending(t, m, 1)
	// 不匹配的消息不打破静默
	m.Dispatch(tick("heartbeat", ""))

	if err := <-done; err != nil {
		t.Fatalf("silence should hold, got %v", err)
	}
	if m.Pending() != 0 {
		t.Fatalf("waiter leaked after window")
	}
}

func TestAwaitSilence_FailsAtFirstMatchNotWindowEnd(t *testing.T) {
	m := NewMatcher()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- m.AwaitSilence(onChannel("ticker"), 5*time.Second) }()

	waitPending(t, m, 1)
	m.Dispatch(tick("ticker", "BTC/USD"))

	err := <-done
	var um *UnexpectedMessageError
	if !errors.As(err, &um) {
		t.Fatalf("expected UnexpectedMessageError, got %v", err)
	}
	if um.Message.Str("channel") != "ticker" {
		t.Fatalf("error should carry the offending message, got %v", um.Message)
	}
	// 立刻判负，不是等 5s 窗口走完
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("silence failure took %s, should settle at first match", elapsed)
	}
}

func TestCollect_NoCrossTalk(t *testing.T) {
	m := NewMatcher()

	btcDone := make(chan []Message, 1)
	ethDone := make(chan []Message, 1)
	pred := func(sym string) Predicate {
		return func(msg Message) bool {
			items := msg.Items("data")
			return len(items) > 0 && items[0].(map[string]any)["symbol"] == sym
		}
	}
	go func() {
		msgs, _ := m.Collect(pred("BTC/USD"), 2, 2*time.Second)
		btcDone <- msgs
	}()
	go func() {
		msgs, _ := m.Collect(pred("ETH/USD"), 1, 2*time.Second)
		ethDone <- msgs
	}()

	waitPending(t, m, 2)
	m.Dispatch(tick("ticker", "BTC/USD"))
	m.Dispatch(tick("ticker", "ETH/USD"))
	m.Dispatch(tick("ticker", "DOGE/USD")) // 两边都不该收
	m.Dispatch(tick("ticker", "BTC/USD"))

	btc := <-btcDone
	eth := <-ethDone
	if len(btc) != 2 || len(eth) != 1 {
		t.Fatalf("cross talk: btc=%d eth=%d", len(btc), len(eth))
	}
	for _, msg := range btc {
		if msg.Items("data")[0].(map[string]any)["symbol"] != "BTC/USD" {
			t.Fatalf("btc waiter received foreign message: %v", msg)
		}
	}
}

func TestDeregister_Idempotent(t *testing.T) {
	m := NewMatcher()
	w := newWaiter(onChannel("ticker"), 1, modeCollect, time.Second)

	m.register(w)
	if m.Pending() != 1 {
		t.Fatalf("pending=%d", m.Pending())
	}
	// match 路径和 timer 路径都可能走到 deregister，第二次必须是 no-op
	m.deregister(w)
	m.deregister(w)
	if m.Pending() != 0 {
		t.Fatalf("pending=%d after double deregister", m.Pending())
	}
}

func TestDispatch_PredicatePanicDoesNotStallOthers(t *testing.T) {
	m := NewMatcher()

	bad := func(Message) bool { panic("boom") }
	badDone := make(chan error, 1)
	goodDone := make(chan []Message, 1)

	go func() {
		_, err := m.Collect(bad, 1, 150*time.Millisecond)
		badDone <- err
	}()
	go func() {
		msgs, _ := m.Collect(onChannel("ticker"), 1, 2*time.Second)
		goodDone <- msgs
	}()

	waitPending(t, m, 2)
	m.Dispatch(tick("ticker", "BTC/USD"))

	// 正常 waiter 照常 resolve
	if msgs := <-goodDone; len(msgs) != 1 {
		t.Fatalf("good waiter starved by panicking predicate")
	}
	// panic 算“未匹配”，坏 waiter 走超时
	var wt *WaitTimeoutError
	if err := <-badDone; !errors.As(err, &wt) {
		t.Fatalf("expected timeout for panicking predicate, got %v", err)
	}
}

func TestDispatch_MidPassRegistrationMissesInFlightMessage(t *testing.T) {
	m := NewMatcher()

	late := newWaiter(onChannel("ticker"), 1, modeCollect, time.Minute)
	trigger := func(msg Message) bool {
		// 在 dispatch 过程中注册新 waiter：它不该看到正在投递的这条
		m.register(late)
		return true
	}
	w := newWaiter(trigger, 1, modeCollect, time.Minute)
	m.register(w)

	m.Dispatch(tick("ticker", "BTC/USD"))
	if len(late.got) != 0 {
		t.Fatalf("late waiter saw the in-flight message")
	}

	// 下一条才轮到它
	m.Dispatch(tick("ticker", "ETH/USD"))
	if len(late.got) != 1 {
		t.Fatalf("late waiter should match the next message, got %d", len(late.got))
	}
	m.deregister(late)
}

func TestCollect_ZeroTimeout(t *testing.T) {
	m := NewMatcher()
	_, err := m.Collect(onChannel("ticker"), 1, 0)
	var wt *WaitTimeoutError
	if !errors.As(err, &wt) {
		t.Fatalf("zero timeout should fail immediately, got %v", err)
	}
	if wt.Got != 0 || wt.Want != 1 {
		t.Fatalf("expected 0/1, got %d/%d", wt.Got, wt.Want)
	}
}

func TestAwaitSilence_ZeroWindow(t *testing.T) {
	m := NewMatcher()
	if err := m.AwaitSilence(onChannel("ticker"), 0); err != nil {
		t.Fatalf("zero window should succeed, got %v", err)
	}
}

func TestCollect_InvalidArgs(t *testing.T) {
	m := NewMatcher()
	if _, err := m.Collect(nil, 1, time.Second); err == nil {
		t.Fatalf("nil predicate accepted")
	}
	if _, err := m.Collect(onChannel("ticker"), 0, time.Second); err == nil {
		t.Fatalf("zero target count accepted")
	}
	if m.Pending() != 0 {
		t.Fatalf("invalid calls must not register waiters")
	}
}

func TestMatchTimerRace_SingleOutcome(t *testing.T) {
	// match 和 timer 几乎同时到：结果必须恰好一个，且不泄漏 waiter
	for i := 0; i < 50; i++ {
		m := NewMatcher()
		done := make(chan error, 1)
		go func() {
			_, err := m.Collect(onChannel("ticker"), 1, time.Millisecond)
			done <- err
		}()
		waitPending(t, m, 1)
		time.Sleep(time.Millisecond)
		m.Dispatch(tick("ticker", "BTC/USD"))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: waiter never settled", i)
		}
		if m.Pending() != 0 {
			t.Fatalf("iteration %d: waiter leaked", i)
		}
	}
}

func TestMatcher_ManyConcurrentWaiters(t *testing.T) {
	m := NewMatcher()
	const n = 32

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Collect(onChannel("ticker"), 5, 5*time.Second)
			errs <- err
		}()
	}

	waitPending(t, m, n)
	for i := 0; i < 5; i++ {
		m.Dispatch(tick("ticker", "BTC/USD"))
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("waiter failed: %v", err)
		}
	}
	if m.Pending() != 0 {
		t.Fatalf("waiters leaked: %d", m.Pending())
	}
}

// waitPending 等注册可见。Collect 在别的 goroutine 里阻塞，注册时刻只能轮询。
func waitPending(t *testing.T, m *Matcher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d pending waiters, have %d", n, m.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}
