package exchange

import (
	"marketprobe.com/internal/stream"
)

// OnChannel matches any frame on the given channel.
func OnChannel(channel string) stream.Predicate {
	return func(m stream.Message) bool {
		return m.Str("channel") == channel
	}
}

// AckFor matches the server response to one specific request.
// req_id 经过 JSON 解码是 float64，这里统一转换。
func AckFor(method string, reqID int64) stream.Predicate {
	return func(m stream.Message) bool {
		return m.Str("method") == method && int64(m.Float("req_id")) == reqID
	}
}

// UpdateFor matches snapshot/update frames on channel that carry symbol in
// their data array.
func UpdateFor(channel, symbol string) stream.Predicate {
	return func(m stream.Message) bool {
		if m.Str("channel") != channel {
			return false
		}
		t := m.Str("type")
		if t != TypeSnapshot && t != TypeUpdate {
			return false
		}
		for _, s := range DataSymbols(m) {
			if s == symbol {
				return true
			}
		}
		return false
	}
}

// NoneOf matches any frame whose channel is not in the ignore list. 用于
// idle 检查：心跳/状态之外不该有任何消息。忽略到的消息不重置静默窗口。
func NoneOf(ignored ...string) stream.Predicate {
	skip := make(map[string]struct{}, len(ignored))
	for _, ch := range ignored {
		skip[ch] = struct{}{}
	}
	return func(m stream.Message) bool {
		_, ok := skip[m.Str("channel")]
		return !ok
	}
}

// DataSymbols pulls the symbol of each record in the frame's data array.
func DataSymbols(m stream.Message) []string {
	items := m.Items("data")
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		rec, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := rec["symbol"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}
