package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Configuration
var (
	baseURL    = flag.String("url", "http://localhost:8080", "Server base URL")
	sdkKey     = flag.String("key", "shelf-sdk-key-1", "SDK API Key")
	totalVUs   = flag.Int("c", 2000, "Total Virtual Users (Concurrency)")
	rampUp     = flag.Duration("ramp", 60*time.Second, "Ramp up duration")
	featureKey = flag.String("feature", "FF_LOADTEST_LATENCY", "Flag key to measure")
	evalPoll   = flag.Bool("eval", false, "Also poll the evaluate endpoint once per second per VU")
)

// Metrics
var (
	activeClients int64
	totalconnects int64
	connectErrors int64
	messagesRx    int64
	evalsDone     int64
	latencySum    int64 // milliseconds
	latencyCount  int64
)

// EventMessage is the subset of the update payload the load test reads. The
// rollout field of the measurement flag carries a unix-ms send timestamp.
type EventMessage struct {
	Key     string `json:"key"`
	Rollout string `json:"rollout"`
	Version int    `json:"version"`
}

func main() {
	flag.Parse()

	fmt.Printf("🚀 Starting Load Test\n")
	fmt.Printf("   Target: %s\n", *baseURL)
	fmt.Printf("   VUs: %d\n", *totalVUs)
	fmt.Printf("   Ramp: %v\n", *rampUp)

	http.DefaultTransport.(*http.Transport).TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	http.DefaultTransport.(*http.Transport).MaxIdleConns = *totalVUs
	http.DefaultTransport.(*http.Transport).MaxConnsPerHost = *totalVUs

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metric Reporter
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				currentActive := atomic.LoadInt64(&activeClients)
				total := atomic.LoadInt64(&totalconnects)
				errs := atomic.LoadInt64(&connectErrors)
				msgs := atomic.SwapInt64(&messagesRx, 0)
				evals := atomic.SwapInt64(&evalsDone, 0)
				latSum := atomic.SwapInt64(&latencySum, 0)
				latCnt := atomic.SwapInt64(&latencyCount, 0)

				avgLat := float64(0)
				if latCnt > 0 {
					avgLat = float64(latSum) / float64(latCnt)
				}

				fmt.Printf("[%s] Active: %d | Total: %d | Errors: %d | Msgs/s: %d | Evals/s: %d | Avg Latency: %.2f ms\n",
					time.Now().Format("15:04:05"), currentActive, total, errs, msgs, evals, avgLat)
			}
		}
	}()

	// Ramp-up Logic
	interval := *rampUp / time.Duration(*totalVUs)
	for i := 0; i < *totalVUs; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if *evalPoll {
				go runEvaluator(ctx)
			}
			runWatcher(ctx, id)
		}(i)
		time.Sleep(interval)
	}

	fmt.Println("✅ All VUs launched. Waiting...")
	wg.Wait()
}

func runWatcher(ctx context.Context, id int) {
	url := *baseURL + "/v1/stream/watch"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		fmt.Printf("Client %d error: %v\n", id, err)
		return
	}

	req.Header.Set("X-Shelf-Key", *sdkKey)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Connection", "keep-alive")

	client := &http.Client{
		Timeout: 0, // Infinite timeout for SSE
	}

	resp, err := client.Do(req)
	if err != nil {
		if atomic.AddInt64(&connectErrors, 1) == 1 {
			fmt.Printf("Error connecting: %v\n", err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		if atomic.AddInt64(&connectErrors, 1) == 1 {
			fmt.Printf("Error status code: %d\n", resp.StatusCode)
		}
		return
	}

	atomic.AddInt64(&activeClients, 1)
	atomic.AddInt64(&totalconnects, 1)
	defer atomic.AddInt64(&activeClients, -1)

	reader := bufio.NewReader(resp.Body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// server closed or network error
			return
		}

		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimPrefix(line, "data:")
			var msg EventMessage
			if err := json.Unmarshal([]byte(data), &msg); err == nil {
				atomic.AddInt64(&messagesRx, 1)

				if msg.Key == *featureKey {
					sentTime, err := strconv.ParseInt(msg.Rollout, 10, 64)
					if err == nil {
						latency := time.Now().UnixMilli() - sentTime
						// Filter reasonable range to avoid clock skew weirdness
						if latency >= 0 && latency < 10000 {
							atomic.AddInt64(&latencySum, latency)
							atomic.AddInt64(&latencyCount, 1)
						}
					}
				}
			}
		}
	}
}

func runEvaluator(ctx context.Context) {
	url := fmt.Sprintf("%s/v1/evaluate/%s", *baseURL, *featureKey)
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
			req.Header.Set("X-Shelf-Key", *sdkKey)
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			atomic.AddInt64(&evalsDone, 1)
		}
	}
}
