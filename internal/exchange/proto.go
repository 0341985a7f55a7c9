// Package exchange speaks the market-data v2 wire dialect: request builders,
// ack/update envelopes, predicate builders over decoded frames, and the
// business checks scenarios run on collected tickers.
package exchange

const (
	ChannelTicker    = "ticker"
	ChannelHeartbeat = "heartbeat"
	ChannelStatus    = "status"

	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	TypeSnapshot = "snapshot"
	TypeUpdate   = "update"
)

type SubscriptionParams struct {
	Channel string   `json:"channel"`
	Symbols []string `json:"symbol"`
}

type Request struct {
	Method string             `json:"method"`
	ReqID  int64              `json:"req_id"`
	Params SubscriptionParams `json:"params"`
}

func NewSubscribe(reqID int64, channel string, symbols ...string) Request {
	return Request{
		Method: MethodSubscribe,
		ReqID:  reqID,
		Params: SubscriptionParams{Channel: channel, Symbols: symbols},
	}
}

func NewUnsubscribe(reqID int64, channel string, symbols ...string) Request {
	return Request{
		Method: MethodUnsubscribe,
		ReqID:  reqID,
		Params: SubscriptionParams{Channel: channel, Symbols: symbols},
	}
}

// Ack 服务端对 subscribe/unsubscribe 的应答。
type Ack struct {
	Method    string              `json:"method"`
	ReqID     int64               `json:"req_id"`
	Success   bool                `json:"success"`
	Error     string              `json:"error,omitempty"`
	Result    *SubscriptionParams `json:"result,omitempty"`
	Timestamp string              `json:"timestamp"`
}

// Ticker 单个 symbol 的一条行情。价格走字符串，精度不丢。
type Ticker struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Last   string `json:"last"`
	Volume string `json:"volume"`
}

type Update struct {
	Channel   string   `json:"channel"`
	Type      string   `json:"type"` // snapshot | update
	Data      []Ticker `json:"data"`
	Timestamp string   `json:"timestamp"`
}

// Status 连接建立后服务端推的第一条消息。
type Status struct {
	Channel string       `json:"channel"`
	Type    string       `json:"type"`
	Data    []StatusData `json:"data"`
}

type StatusData struct {
	System       string `json:"system"`
	APIVersion   string `json:"api_version"`
	ConnectionID string `json:"connection_id"`
}
