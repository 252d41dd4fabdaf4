// Command wsprobe is a smoke test client for a running echo host such as
// wsbridge. It opens a number of concurrent connections, sends numbered text
// messages and checks that each comes back unchanged and in order.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dwebble/rws"
)

func main() {
	var (
		url       = flag.String("url", "ws://127.0.0.1:8080", "server URL (ws:// or wss://)")
		protocols = flag.String("protocols", "", "comma separated subprotocols to offer")
		clients   = flag.Int("c", 1, "concurrent clients")
		messages  = flag.Int("n", 10, "messages per client")
		timeout   = flag.Duration("timeout", 5*time.Second, "per operation timeout")
		insecure  = flag.Bool("insecure", false, "skip TLS certificate verification")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	res, err := probe(context.Background(), probeConfig{
		URL:       *url,
		Protocols: rws.ParseSubprotocols(*protocols),
		Clients:   *clients,
		Messages:  *messages,
		Timeout:   *timeout,
		Insecure:  *insecure,
	})
	if err != nil {
		logger.Error("probe failed", zap.String("url", *url), zap.Error(err))
		os.Exit(1)
	}

	logger.Info("probe ok",
		zap.String("url", *url),
		zap.Int("clients", res.Clients),
		zap.Int("messages", res.Messages),
		zap.String("subprotocol", res.Subprotocol),
		zap.Duration("connect_p50", res.Connect),
		zap.Duration("rtt_p50", res.RoundTrip),
	)
}
