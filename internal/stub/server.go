// Package stub is an in-process exchange simulator speaking the market-data
// v2 dialect. Scenario tests point the harness at it; cmd/stubex runs it
// standalone for manual probing.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"marketprobe.com/internal/exchange"
	"marketprobe.com/pkg/logger"
	"marketprobe.com/pkg/safe"
)

type Server struct {
	Upgrader      websocket.Upgrader
	TickInterval  time.Duration // 行情推送间隔
	HeartbeatWait time.Duration // 心跳间隔
	WriteWait     time.Duration
}

func NewServer() *Server {
	return &Server{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // 测试桩，不校验 Origin
		},
		TickInterval:  50 * time.Millisecond,
		HeartbeatWait: 250 * time.Millisecond,
		WriteWait:     2 * time.Second,
	}
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &session{
		srv:    s,
		ws:     ws,
		subs:   make(map[string]map[string]struct{}, 4),
		prices: make(map[string]decimal.Decimal, 8),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		done:   make(chan struct{}),
	}

	// 连接建立先推 status，对齐真实交易所行为
	_ = c.write(exchange.Status{
		Channel: exchange.ChannelStatus,
		Type:    exchange.TypeUpdate,
		Data: []exchange.StatusData{{
			System:       "online",
			APIVersion:   "v2",
			ConnectionID: uuid.NewString(),
		}},
	})

	safe.Go(func() { c.pumpLoop() })
	c.readLoop()
}

type session struct {
	srv *Server
	ws  *websocket.Conn

	mu     sync.Mutex // 写 + 订阅表共用一把锁，gorilla 只允许一个写者
	subs   map[string]map[string]struct{}
	prices map[string]decimal.Decimal
	rng    *rand.Rand

	done chan struct{}
}

func (c *session) readLoop() {
	defer func() {
		close(c.done)
		_ = c.ws.Close()
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req exchange.Request
		if json.Unmarshal(raw, &req) != nil {
			continue
		}
		c.handle(req)
	}
}

func (c *session) handle(req exchange.Request) {
	switch req.Method {
	case exchange.MethodSubscribe:
		c.subscribe(req)
	case exchange.MethodUnsubscribe:
		c.unsubscribe(req)
	default:
		_ = c.write(exchange.Ack{
			Method:    req.Method,
			ReqID:     req.ReqID,
			Success:   false,
			Error:     fmt.Sprintf("Unsupported method: %s", req.Method),
			Timestamp: now(),
		})
	}
}

func (c *session) subscribe(req exchange.Request) {
	ch := req.Params.Channel
	if ch != exchange.ChannelTicker {
		_ = c.write(exchange.Ack{
			Method: req.Method, ReqID: req.ReqID, Success: false,
			Error:     fmt.Sprintf("Unknown channel: %s", ch),
			Timestamp: now(),
		})
		return
	}

	c.mu.Lock()
	set := c.subs[ch]
	if set == nil {
		set = make(map[string]struct{}, 4)
		c.subs[ch] = set
	}
	var dup string
	for _, sym := range req.Params.Symbols {
		if _, ok := set[sym]; ok {
			dup = sym
			break
		}
	}
	if dup == "" {
		for _, sym := range req.Params.Symbols {
			set[sym] = struct{}{}
		}
	}
	c.mu.Unlock()

	if dup != "" {
		_ = c.write(exchange.Ack{
			Method: req.Method, ReqID: req.ReqID, Success: false,
			Error:     fmt.Sprintf("Already subscribed: %s %s", ch, dup),
			Timestamp: now(),
		})
		return
	}

	_ = c.write(exchange.Ack{
		Method: req.Method, ReqID: req.ReqID, Success: true,
		Result:    &exchange.SubscriptionParams{Channel: ch, Symbols: req.Params.Symbols},
		Timestamp: now(),
	})

	// ack 之后每个 symbol 先来一张快照
	for _, sym := range req.Params.Symbols {
		_ = c.write(exchange.Update{
			Channel:   ch,
			Type:      exchange.TypeSnapshot,
			Data:      []exchange.Ticker{c.nextTicker(sym)},
			Timestamp: now(),
		})
	}
}

func (c *session) unsubscribe(req exchange.Request) {
	ch := req.Params.Channel

	c.mu.Lock()
	set := c.subs[ch]
	var missing string
	for _, sym := range req.Params.Symbols {
		if _, ok := set[sym]; !ok {
			missing = sym
			break
		}
	}
	if missing == "" {
		for _, sym := range req.Params.Symbols {
			delete(set, sym)
		}
	}
	c.mu.Unlock()

	if missing != "" {
		_ = c.write(exchange.Ack{
			Method: req.Method, ReqID: req.ReqID, Success: false,
			Error:     fmt.Sprintf("Subscription not found: %s %s", ch, missing),
			Timestamp: now(),
		})
		return
	}
	_ = c.write(exchange.Ack{
		Method: req.Method, ReqID: req.ReqID, Success: true,
		Result:    &exchange.SubscriptionParams{Channel: ch, Symbols: req.Params.Symbols},
		Timestamp: now(),
	})
}

// pumpLoop 周期性推行情 + 心跳，直到连接关闭。
func (c *session) pumpLoop() {
	tick := time.NewTicker(c.srv.TickInterval)
	hb := time.NewTicker(c.srv.HeartbeatWait)
	defer tick.Stop()
	defer hb.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			for _, sym := range c.subscribed(exchange.ChannelTicker) {
				err := c.write(exchange.Update{
					Channel:   exchange.ChannelTicker,
					Type:      exchange.TypeUpdate,
					Data:      []exchange.Ticker{c.nextTicker(sym)},
					Timestamp: now(),
				})
				if err != nil {
					return
				}
			}
		case <-hb.C:
			if err := c.write(map[string]string{"channel": exchange.ChannelHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *session) subscribed(channel string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs[channel]))
	for sym := range c.subs[channel] {
		out = append(out, sym)
	}
	return out
}

// nextTicker 按 symbol 做个小随机游走，价格两位小数，点差固定 0.02。
func (c *session) nextTicker(sym string) exchange.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.prices[sym]
	if !ok {
		last = basePrice(sym)
	}
	step := decimal.NewFromFloat(float64(c.rng.Intn(11)-5) / 100.0) // ±0.05
	last = last.Add(step)
	if !last.IsPositive() {
		last = basePrice(sym)
	}
	c.prices[sym] = last

	half := decimal.NewFromFloat(0.01)
	return exchange.Ticker{
		Symbol: sym,
		Bid:    last.Sub(half).StringFixed(2),
		Ask:    last.Add(half).StringFixed(2),
		Last:   last.StringFixed(2),
		Volume: decimal.NewFromFloat(float64(c.rng.Intn(10000)) / 100.0).StringFixed(2),
	}
}

func (c *session) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.WriteWait))
	if err := c.ws.WriteJSON(v); err != nil {
		if logger.Log != nil {
			logger.Debug(context.Background(), "stub write failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// basePrice 同一个 symbol 每次连接起价一致，方便肉眼对账。
func basePrice(sym string) decimal.Decimal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sym))
	return decimal.NewFromInt(int64(100 + h.Sum32()%9000)).Add(decimal.NewFromFloat(0.50))
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
