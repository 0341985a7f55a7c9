// Package transport owns the physical websocket session: dial, send, decode
// inbound frames and hand them to a single OnMessage callback. One client per
// connection, no reconnect — a probe that loses its connection fails loudly.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"marketprobe.com/internal/stream"
	"marketprobe.com/pkg/logger"
	"marketprobe.com/pkg/safe"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ConnectTimeoutError 握手在窗口内没完成。
type ConnectTimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("connect timeout after %s: %s", e.Timeout, e.URL)
}

var ErrNotOpen = errors.New("connection is not open")

type Client struct {
	URL          string
	OnMessage    func(stream.Message) // 每帧解码后回调；别在里面长时间阻塞，会拖慢 Read
	DialTimeout  time.Duration        // 0 表示 5s
	WriteTimeout time.Duration        // 0 表示 2s

	conn      *websocket.Conn
	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{} // reader 退出后关闭
}

// Connect dials the endpoint and starts the reader loop. The inbound feed is
// a single goroutine, so OnMessage invocations are serialized in receipt order.
func (c *Client) Connect(ctx context.Context) error {
	if c.URL == "" {
		return errors.New("empty url")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 2 * time.Second
	}
	c.done = make(chan struct{})
	c.state.Store(int32(StateConnecting))

	dctx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	conn, _, err := websocket.Dial(dctx, c.URL, nil)
	cancel()
	if err != nil {
		c.state.Store(int32(StateClosed))
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return &ConnectTimeoutError{URL: c.URL, Timeout: c.DialTimeout}
		}
		return err
	}
	// 行情帧可能带很多 symbol，放宽默认 32KB 上限
	conn.SetReadLimit(1 << 20)

	c.conn = conn
	c.state.Store(int32(StateOpen))
	logger.Info(ctx, "connected", zap.String("url", c.URL))

	safe.Go(func() { c.readLoop() })
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.Read(context.Background())
		if err != nil {
			prev := State(c.state.Load())
			c.state.Store(int32(StateClosed))
			// 主动 Close 引发的读错误不值得告警
			if prev == StateOpen && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn(context.Background(), "read loop ended",
					zap.Error(err),
					zap.Any("close_status", websocket.CloseStatus(err)),
				)
			}
			return
		}

		var msg stream.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// 非 JSON 帧直接丢，predicate 只认解码后的消息
			logger.Debug(context.Background(), "dropping undecodable frame", zap.ByteString("raw", raw))
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

// Send JSON-encodes v and writes it as one text frame.
func (c *Client) Send(ctx context.Context, v any) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.WriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

// Close terminates the session. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
			<-c.done
		}
	})
}

func (c *Client) State() State {
	return State(c.state.Load())
}
