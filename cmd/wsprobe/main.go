package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"marketprobe.com/internal/exchange"
	"marketprobe.com/internal/harness"
	"marketprobe.com/pkg/config"
	"marketprobe.com/pkg/logger"
	"marketprobe.com/pkg/safe"
	"marketprobe.com/pkg/xerr"
)

type Config struct {
	Endpoint struct {
		URL           string `mapstructure:"url"`
		DialTimeoutMs int    `mapstructure:"dial_timeout_ms"`
	} `mapstructure:"endpoint"`
	Probe struct {
		Channel          string   `mapstructure:"channel"`
		Symbols          []string `mapstructure:"symbols"`
		Updates          int      `mapstructure:"updates"`
		CollectTimeoutMs int      `mapstructure:"collect_timeout_ms"`
		SilenceMs        int      `mapstructure:"silence_ms"`
		MaxDecimals      int32    `mapstructure:"max_decimals"`
	} `mapstructure:"probe"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Metrics struct {
		Addr string `mapstructure:"addr"` // 空表示不开 /metrics
	} `mapstructure:"metrics"`
}

func main() {
	var cfg Config
	if _, err := config.LoadAndWatch("wsprobe", &cfg); err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(xerr.ConfigError)
	}

	logger.Init("wsprobe", cfg.Log.Level)

	if cfg.Metrics.Addr != "" {
		safe.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(cfg.Metrics.Addr, mux)
		})
	}

	err := run(context.Background(), cfg)
	if err != nil {
		logger.Error(context.Background(), "probe failed", zap.Error(err))
	}
	logger.Sync() // os.Exit 不跑 defer
	os.Exit(xerr.ExitCode(err))
}

func run(ctx context.Context, cfg Config) error {
	h, err := harness.New(ctx, cfg.Endpoint.URL)
	if err != nil {
		return xerr.New(xerr.ConnectFailed, err.Error())
	}
	defer h.Close()
	ctx = h.Context(ctx)

	channel := cfg.Probe.Channel
	if channel == "" {
		channel = exchange.ChannelTicker
	}
	updates := cfg.Probe.Updates
	if updates == 0 {
		updates = 5
	}
	collectTimeout := msOr(cfg.Probe.CollectTimeoutMs, 10_000)
	silenceWindow := msOr(cfg.Probe.SilenceMs, 5_000)
	maxDecimals := cfg.Probe.MaxDecimals
	if maxDecimals == 0 {
		maxDecimals = 8
	}

	if _, err := h.Subscribe(ctx, channel, cfg.Probe.Symbols...); err != nil {
		return xerr.New(xerr.CheckFailed, "subscribe: "+err.Error())
	}
	logger.Info(ctx, "subscribed", zap.String("channel", channel), zap.Strings("symbols", cfg.Probe.Symbols))

	for _, sym := range cfg.Probe.Symbols {
		msgs, err := h.CollectUpdates(channel, sym, updates, collectTimeout)
		if err != nil {
			return xerr.New(xerr.CheckFailed, sym+": "+err.Error())
		}
		tickers, err := exchange.Tickers(msgs)
		if err != nil {
			return xerr.New(xerr.CheckFailed, sym+": "+err.Error())
		}
		for _, tk := range tickers {
			if err := exchange.CheckSpread(tk); err != nil {
				return xerr.New(xerr.CheckFailed, err.Error())
			}
			if err := exchange.CheckPrecision(tk, maxDecimals); err != nil {
				return xerr.New(xerr.CheckFailed, err.Error())
			}
		}
		logger.Info(ctx, "updates verified", zap.String("symbol", sym), zap.Int("count", len(tickers)))
	}

	if _, err := h.Unsubscribe(ctx, channel, cfg.Probe.Symbols...); err != nil {
		return xerr.New(xerr.CheckFailed, "unsubscribe: "+err.Error())
	}

	// 退订后的在途帧放空一拍，再验证频道静默
	time.Sleep(200 * time.Millisecond)
	if err := h.ExpectSilence(channel, silenceWindow); err != nil {
		return xerr.New(xerr.CheckFailed, "silence: "+err.Error())
	}
	logger.Info(ctx, "probe passed",
		zap.String("channel", channel),
		zap.Duration("silence_window", silenceWindow),
	)
	return nil
}

func msOr(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}
