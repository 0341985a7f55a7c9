// Package harness is the scenario-facing façade: one live connection, one
// matcher, request/ack plumbing. Scenarios only ever touch this package plus
// the predicate builders in internal/exchange.
package harness

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"marketprobe.com/internal/exchange"
	"marketprobe.com/internal/stream"
	"marketprobe.com/internal/transport"
	"marketprobe.com/pkg/logger"
)

// AckError 服务端明确拒绝了请求（success=false）。Server 字段原样保留错误文案。
type AckError struct {
	Method string
	Server string
	Ack    stream.Message
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected by server: %s", e.Method, e.Server)
}

type Harness struct {
	AckTimeout time.Duration // 0 表示 5s

	client  *transport.Client
	matcher *stream.Matcher
	probeID string
	reqID   atomic.Int64
}

// New dials url and wires the inbound feed into a fresh matcher.
// 一条连接一个 Harness；Matcher 跟着连接构造、跟着连接销毁。
func New(ctx context.Context, url string) (*Harness, error) {
	m := stream.NewMatcher()
	c := &transport.Client{
		URL:       url,
		OnMessage: m.Dispatch,
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return &Harness{
		AckTimeout: 5 * time.Second,
		client:     c,
		matcher:    m,
		probeID:    uuid.NewString(),
	}, nil
}

// Context tags ctx with the probe run id so it lands in every log line.
func (h *Harness) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, logger.ProbeIdKey, h.probeID)
}

func (h *Harness) Matcher() *stream.Matcher { return h.matcher }

func (h *Harness) Send(ctx context.Context, v any) error {
	return h.client.Send(ctx, v)
}

// Subscribe sends a subscribe request and waits for its ack. A success=false
// ack comes back as *AckError with the ack attached.
func (h *Harness) Subscribe(ctx context.Context, channel string, symbols ...string) (stream.Message, error) {
	return h.call(ctx, exchange.MethodSubscribe, channel, symbols)
}

func (h *Harness) Unsubscribe(ctx context.Context, channel string, symbols ...string) (stream.Message, error) {
	return h.call(ctx, exchange.MethodUnsubscribe, channel, symbols)
}

func (h *Harness) call(ctx context.Context, method, channel string, symbols []string) (stream.Message, error) {
	id := h.reqID.Add(1)

	// 先挂 waiter 再发请求：ack 不可能先于注册到达
	ackCh := h.matcher.CollectAsync(exchange.AckFor(method, id), 1, h.AckTimeout)

	req := exchange.Request{
		Method: method,
		ReqID:  id,
		Params: exchange.SubscriptionParams{Channel: channel, Symbols: symbols},
	}
	if err := h.client.Send(ctx, req); err != nil {
		// 发送失败时 waiter 留给超时回收，见 Matcher 的取消语义
		return nil, fmt.Errorf("%s send: %w", method, err)
	}

	res := <-ackCh
	if res.Err != nil {
		return nil, fmt.Errorf("%s ack: %w", method, res.Err)
	}
	ack := res.Msgs[0]
	logger.Debug(h.Context(ctx), "ack received",
		zap.String("method", method),
		zap.Int64("req_id", id),
		zap.Bool("success", ack.Bool("success")),
	)
	if !ack.Bool("success") {
		return ack, &AckError{Method: method, Server: ack.Str("error"), Ack: ack}
	}
	return ack, nil
}

// CollectUpdates waits for n ticker frames carrying symbol, receipt order.
func (h *Harness) CollectUpdates(channel, symbol string, n int, timeout time.Duration) ([]stream.Message, error) {
	return h.matcher.Collect(exchange.UpdateFor(channel, symbol), n, timeout)
}

// ExpectSilence asserts that nothing arrives on channel for the whole window.
func (h *Harness) ExpectSilence(channel string, window time.Duration) error {
	return h.matcher.AwaitSilence(exchange.OnChannel(channel), window)
}

// ExpectIdle asserts a fully quiet connection, heartbeat/status excepted.
// 被忽略的消息不重置窗口。
func (h *Harness) ExpectIdle(window time.Duration, extraIgnored ...string) error {
	ignored := append([]string{exchange.ChannelHeartbeat, exchange.ChannelStatus}, extraIgnored...)
	return h.matcher.AwaitSilence(exchange.NoneOf(ignored...), window)
}

func (h *Harness) Close() {
	h.client.Close()
}
