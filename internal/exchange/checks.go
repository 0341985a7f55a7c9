package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
	"marketprobe.com/internal/stream"
)

// TickerFromItem converts one record of a frame's data array.
func TickerFromItem(item any) (Ticker, error) {
	rec, ok := item.(map[string]any)
	if !ok {
		return Ticker{}, fmt.Errorf("data item is %T, not an object", item)
	}
	get := func(key string) string {
		s, _ := rec[key].(string)
		return s
	}
	t := Ticker{
		Symbol: get("symbol"),
		Bid:    get("bid"),
		Ask:    get("ask"),
		Last:   get("last"),
		Volume: get("volume"),
	}
	if t.Symbol == "" {
		return Ticker{}, fmt.Errorf("data item without symbol: %v", rec)
	}
	return t, nil
}

// Tickers flattens the data arrays of collected frames, receipt order kept.
func Tickers(msgs []stream.Message) ([]Ticker, error) {
	var out []Ticker
	for _, m := range msgs {
		for _, it := range m.Items("data") {
			t, err := TickerFromItem(it)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// CheckSpread 要求 0 < bid < ask。倒挂的盘口是行情源的硬故障。
func CheckSpread(t Ticker) error {
	bid, err := decimal.NewFromString(t.Bid)
	if err != nil {
		return fmt.Errorf("%s: bad bid %q: %w", t.Symbol, t.Bid, err)
	}
	ask, err := decimal.NewFromString(t.Ask)
	if err != nil {
		return fmt.Errorf("%s: bad ask %q: %w", t.Symbol, t.Ask, err)
	}
	if !bid.IsPositive() {
		return fmt.Errorf("%s: bid %s is not positive", t.Symbol, bid)
	}
	if bid.GreaterThanOrEqual(ask) {
		return fmt.Errorf("%s: crossed book, bid %s >= ask %s", t.Symbol, bid, ask)
	}
	return nil
}

// CheckPrecision 价格字段小数位不能超过 maxPlaces。
func CheckPrecision(t Ticker, maxPlaces int32) error {
	for name, raw := range map[string]string{"bid": t.Bid, "ask": t.Ask, "last": t.Last} {
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s: bad %s %q: %w", t.Symbol, name, raw, err)
		}
		if -d.Exponent() > maxPlaces {
			return fmt.Errorf("%s: %s %s has more than %d decimal places", t.Symbol, name, raw, maxPlaces)
		}
	}
	return nil
}
