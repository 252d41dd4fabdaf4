package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/sync/errgroup"
)

// probeConfig describes one probe run.
type probeConfig struct {
	URL       string
	Protocols []string
	Clients   int
	Messages  int
	Timeout   time.Duration
	Insecure  bool
}

// result summarises a probe run.
type result struct {
	Clients     int
	Messages    int
	Subprotocol string
	Connect     time.Duration // median connect latency
	RoundTrip   time.Duration // median echo round trip
}

// probe connects cfg.Clients clients concurrently; each sends cfg.Messages
// text messages and waits for every one to be echoed back in order.
func probe(ctx context.Context, cfg probeConfig) (result, error) {
	var (
		mu       sync.Mutex
		connects []time.Duration
		rtts     []time.Duration
		proto    string
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Clients; i++ {
		g.Go(func() error {
			c, rt, hs, err := runClient(ctx, cfg, i)
			if err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			mu.Lock()
			connects = append(connects, c)
			rtts = append(rtts, rt...)
			proto = hs.Protocol
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result{}, err
	}

	return result{
		Clients:     cfg.Clients,
		Messages:    len(rtts),
		Subprotocol: proto,
		Connect:     median(connects),
		RoundTrip:   median(rtts),
	}, nil
}

func runClient(ctx context.Context, cfg probeConfig, n int) (time.Duration, []time.Duration, ws.Handshake, error) {
	dialer := ws.Dialer{
		Protocols: cfg.Protocols,
		Timeout:   cfg.Timeout,
	}
	if cfg.Insecure {
		dialer.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	start := time.Now()
	conn, br, hs, err := dialer.Dial(ctx, cfg.URL)
	if err != nil {
		return 0, nil, hs, fmt.Errorf("dial: %w", err)
	}
	connect := time.Since(start)
	defer conn.Close()

	rw := struct {
		io.Reader
		io.Writer
	}{Reader: conn, Writer: conn}
	if br != nil {
		rw.Reader = io.MultiReader(br, conn)
	}

	rtts := make([]time.Duration, 0, cfg.Messages)
	for i := 0; i < cfg.Messages; i++ {
		want := strconv.Itoa(n) + ":" + strconv.Itoa(i)
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))

		sent := time.Now()
		if err := wsutil.WriteClientText(conn, []byte(want)); err != nil {
			return 0, nil, hs, fmt.Errorf("write: %w", err)
		}
		got, err := wsutil.ReadServerText(rw)
		if err != nil {
			return 0, nil, hs, fmt.Errorf("read: %w", err)
		}
		if string(got) != want {
			return 0, nil, hs, fmt.Errorf("echo mismatch: sent %q, got %q", want, got)
		}
		rtts = append(rtts, time.Since(sent))
	}

	closeClean(conn, rw.Reader, cfg.Timeout)
	return connect, rtts, hs, nil
}

// closeClean runs the client half of the close handshake. Frames are read
// from r so bytes buffered during the handshake are not skipped.
func closeClean(conn net.Conn, r io.Reader, timeout time.Duration) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if err := ws.WriteFrame(conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body))); err != nil {
		return
	}
	for {
		f, err := ws.ReadFrame(r)
		if err != nil || f.Header.OpCode == ws.OpClose {
			return
		}
	}
}

func median(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	s := append([]time.Duration(nil), ds...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s[len(s)/2]
}
