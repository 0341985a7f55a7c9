package main

import (
	"flag"
	"log"
	"net/http"

	"marketprobe.com/internal/stub"
	"marketprobe.com/pkg/logger"
)

// 独立跑一个模拟交易所，给 wsprobe 手工对练用：
//
//	go run ./cmd/stubex -addr :8787
//	WSPROBE_ENDPOINT_URL=ws://127.0.0.1:8787/v2 go run ./cmd/wsprobe
func main() {
	addr := flag.String("addr", ":8787", "listen address")
	flag.Parse()

	logger.Init("stubex", "info")
	defer logger.Sync()

	srv := stub.NewServer()
	http.HandleFunc("/v2", srv.ServeWS)

	log.Printf("[stubex] listening on %s (ws path /v2)", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
