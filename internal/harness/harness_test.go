package harness

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"marketprobe.com/internal/exchange"
	"marketprobe.com/internal/stub"
	"marketprobe.com/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("harness-test", "error")
	m.Run()
}

func newStubURL(t *testing.T) string {
	t.Helper()
	srv := stub.NewServer()
	mux := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2" {
			srv.ServeWS(w, r)
			return
		}
		w.WriteHeader(404)
	}))
	t.Cleanup(mux.Close)
	return "ws" + strings.TrimPrefix(mux.URL, "http") + "/v2"
}

func TestScenario_SubscribeCollectUnsubscribeSilence(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, newStubURL(t))
	require.NoError(t, err)
	defer h.Close()

	// 订阅 → ack success=true
	ack, err := h.Subscribe(ctx, exchange.ChannelTicker, "BTC/USD")
	require.NoError(t, err)
	assert.True(t, ack.Bool("success"))

	// 快照 + 若干 update
	msgs, err := h.CollectUpdates(exchange.ChannelTicker, "BTC/USD", 3, 3*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Contains(t, exchange.DataSymbols(m), "BTC/USD")
	}

	// 退订 → ack success=true
	ack, err = h.Unsubscribe(ctx, exchange.ChannelTicker, "BTC/USD")
	require.NoError(t, err)
	assert.True(t, ack.Bool("success"))

	// ack 返回时可能还有一帧在途，先放空再开静默窗口
	time.Sleep(150 * time.Millisecond)
	assert.NoError(t, h.ExpectSilence(exchange.ChannelTicker, 600*time.Millisecond))
}

func TestScenario_DuplicateSubscribeRejected(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, newStubURL(t))
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Subscribe(ctx, exchange.ChannelTicker, "BTC/USD")
	require.NoError(t, err)

	// 同一个订阅再来一次：success=false + "already subscribed" 文案
	ack, err := h.Subscribe(ctx, exchange.ChannelTicker, "BTC/USD")
	require.Error(t, err)

	var ackErr *AckError
	require.True(t, errors.As(err, &ackErr))
	assert.False(t, ack.Bool("success"))
	assert.Contains(t, strings.ToLower(ackErr.Server), "already subscribed")
}

func TestScenario_TwoSymbolsOneRequest(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, newStubURL(t))
	require.NoError(t, err)
	defer h.Close()

	// 两个 waiter 先挂上，再用一条请求订两个 symbol；两边都要等到行情，顺序不限
	btcCh := h.Matcher().CollectAsync(exchange.UpdateFor(exchange.ChannelTicker, "BTC/USD"), 1, 5*time.Second)
	ethCh := h.Matcher().CollectAsync(exchange.UpdateFor(exchange.ChannelTicker, "ETH/USD"), 1, 5*time.Second)

	_, err = h.Subscribe(ctx, exchange.ChannelTicker, "BTC/USD", "ETH/USD")
	require.NoError(t, err)

	btc := <-btcCh
	eth := <-ethCh
	require.NoError(t, btc.Err)
	require.NoError(t, eth.Err)
	assert.Contains(t, exchange.DataSymbols(btc.Msgs[0]), "BTC/USD")
	assert.Contains(t, exchange.DataSymbols(eth.Msgs[0]), "ETH/USD")
}

func TestScenario_SpreadAndPrecision(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, newStubURL(t))
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Subscribe(ctx, exchange.ChannelTicker, "ETH/USD")
	require.NoError(t, err)

	msgs, err := h.CollectUpdates(exchange.ChannelTicker, "ETH/USD", 3, 3*time.Second)
	require.NoError(t, err)

	tickers, err := exchange.Tickers(msgs)
	require.NoError(t, err)
	require.NotEmpty(t, tickers)
	for _, tk := range tickers {
		assert.NoError(t, exchange.CheckSpread(tk))
		assert.NoError(t, exchange.CheckPrecision(tk, 5))
	}
}

func TestScenario_IdleConnection(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, newStubURL(t))
	require.NoError(t, err)
	defer h.Close()

	// 没订阅任何频道：除了心跳/状态不该有消息。窗口内会路过好几个心跳，
	// 被忽略的消息不重置窗口。
	assert.NoError(t, h.ExpectIdle(700*time.Millisecond))
}

func TestScenario_CollectTimesOutWithoutSubscription(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, newStubURL(t))
	require.NoError(t, err)
	defer h.Close()

	// 没订阅就等行情，只能超时，错误里带上进度 0/2
	_, err = h.CollectUpdates(exchange.ChannelTicker, "BTC/USD", 2, 300*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0/2")
}
