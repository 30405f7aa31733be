// neargate-load drives a running gateway at a fixed request rate and reports
// the achieved throughput, then asks the gateway for its own verdict.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "gateway base URL")
		rps      = flag.Float64("rate", 110, "requests per second")
		duration = flag.Duration("duration", 10*time.Minute, "run length")
		workers  = flag.Int("workers", 64, "concurrent senders")
		receiver = flag.String("receiver", "loadtest.testnet", "transfer receiver account")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	limiter := rate.NewLimiter(rate.Limit(*rps), int(*rps))

	var sent, accepted, rejected atomic.Uint64
	started := time.Now()

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		group.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for {
				if err := limiter.Wait(gctx); err != nil {
					return nil // deadline or interrupt
				}
				sent.Add(1)
				if postTransfer(gctx, client, *baseURL, *receiver, rng) {
					accepted.Add(1)
				} else {
					rejected.Add(1)
				}
			}
		})
	}

	reportTicker := time.NewTicker(10 * time.Second)
	defer reportTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reportTicker.C:
				elapsed := time.Since(started).Seconds()
				fmt.Printf("elapsed=%.0fs sent=%d accepted=%d rejected=%d rate=%.1f/s\n",
					elapsed, sent.Load(), accepted.Load(), rejected.Load(),
					float64(accepted.Load())/elapsed)
			}
		}
	}()

	_ = group.Wait()

	elapsed := time.Since(started).Seconds()
	fmt.Printf("\ndone: sent=%d accepted=%d rejected=%d achieved=%.1f accepted/s over %.0fs\n",
		sent.Load(), accepted.Load(), rejected.Load(), float64(accepted.Load())/elapsed, elapsed)

	if err := printBountyStatus(client, *baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "bounty status: %v\n", err)
		os.Exit(1)
	}
}

func postTransfer(ctx context.Context, client *http.Client, baseURL, receiver string, rng *rand.Rand) bool {
	payload, _ := json.Marshal(map[string]string{
		"receiverId": receiver,
		"amount":     fmt.Sprintf("%d", 1+rng.Intn(1000)),
		"memo":       "load",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/transfer", bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func printBountyStatus(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/bounty-status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var status struct {
		Achieved        bool    `json:"achieved"`
		CurrentTPS      float64 `json:"currentTps"`
		Sustained       bool    `json:"sustained"`
		SuccessRate     float64 `json:"successRate"`
		TotalSuccessful uint64  `json:"totalSuccessful"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}
	fmt.Printf("gateway verdict: achieved=%t currentTps=%.1f sustained=%t successRate=%.3f totalSuccessful=%d\n",
		status.Achieved, status.CurrentTPS, status.Sustained, status.SuccessRate, status.TotalSuccessful)
	return nil
}
