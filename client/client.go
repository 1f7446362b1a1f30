package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shelfgate/pkg/resolver"
	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/constraints"
	"shelfgate/pkg/flagkey"
	"shelfgate/pkg/logger"

	"go.uber.org/zap"
)

// ShelfClient is the storefront SDK. It keeps a local snapshot of all flag
// layers current over SSE and evaluates flags without any network call.
// Evaluation is closed by default: unknown keys are disabled, never an error.
type ShelfClient struct {
	addr       string
	apiKey     string
	tenantID   string
	region     string
	httpClient *http.Client

	mu             sync.RWMutex
	snap           *resolver.Snapshot
	lastRev        int64
	localOverrides map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewShelfClient builds a client for one tenant. The API key must belong to
// the tenant; the server rejects mismatches.
func NewShelfClient(addr, apiKey, tenantID, region string) *ShelfClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShelfClient{
		addr:           addr,
		apiKey:         apiKey,
		tenantID:       tenantID,
		region:         region,
		httpClient:     &http.Client{Timeout: 0},
		snap:           resolver.New(nil),
		localOverrides: make(map[string]bool),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (c *ShelfClient) Start() error {
	if err := c.fetchSnapshot(); err != nil {
		return err
	}
	go c.runWatchLoop()
	return nil
}

func (c *ShelfClient) Stop() {
	c.cancel()
}

// IsFeatureEnabled resolves one flag for this client's tenant and region.
// A local override set through SetLocalOverride supersedes every layer.
func (c *ShelfClient) IsFeatureEnabled(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.localOverrides[key]; ok {
		return v
	}
	return c.snap.Resolve(key, c.tenantID, c.region).Enabled
}

// SetLocalOverride forces a flag locally for dev and test sessions. It never
// leaves the process.
func (c *ShelfClient) SetLocalOverride(key string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localOverrides[key] = enabled
}

// ClearLocalOverride removes a local force; resolution falls back to the
// snapshot, not to false.
func (c *ShelfClient) ClearLocalOverride(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.localOverrides, key)
}

// CreateCustomFlag registers a new custom flag through the admin API. The
// key is validated before any request goes out: new custom keys must carry
// the TENANT_ or FF_ prefix.
func (c *ShelfClient) CreateCustomFlag(ctx context.Context, token, key string, enabled bool, rollout string) error {
	if _, err := flagkey.ParseCustom(key); err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]any{"enabled": enabled, "rollout": rollout})
	url := fmt.Sprintf("%s/api/admin/tenant-flags/%s/%s", c.addr, c.tenantID, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flag upsert rejected: %s", resp.Status)
	}
	return nil
}

func (c *ShelfClient) fetchSnapshot() error {
	url := fmt.Sprintf("%s/v1/stream/snapshot", c.addr)
	req, _ := http.NewRequest("GET", url, nil)
	req.Header.Set("X-Shelf-Key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("failed to fetch flag snapshot", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	var res struct {
		Data     []v1.Entry      `json:"data"`
		Defaults map[string]bool `json:"defaults"`
		Revision int64           `json:"revision"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		logger.Error("failed to decode snapshot response", zap.Error(err))
		return err
	}

	// Defaults seed the platform_env layer, so a flag defined only in server
	// configuration resolves the same here as on /v1/evaluate.
	snap := resolver.New(res.Defaults)
	for _, e := range res.Data {
		snap = snap.Apply(v1.Update{Entry: e, Action: constraints.PUT})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	c.lastRev = res.Revision
	return nil
}

func (c *ShelfClient) runWatchLoop() {
	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.mu.RLock()
			url := fmt.Sprintf("%s/v1/stream/watch?last_rev=%d", c.addr, c.lastRev)
			c.mu.RUnlock()

			// Sub-context for request cancellation
			reqCtx, reqCancel := context.WithCancel(c.ctx)
			req, _ := http.NewRequestWithContext(reqCtx, "GET", url, nil)
			req.Header.Set("X-Shelf-Key", c.apiKey)
			resp, err := c.httpClient.Do(req)
			if err != nil {
				reqCancel()
				jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
				logger.Warn("SSE disconnected", zap.Error(err))
				time.Sleep(backoff + jitter)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			// Watchdog for heartbeats
			var lastActivity int64 = time.Now().Unix()
			go func() {
				ticker := time.NewTicker(5 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-reqCtx.Done():
						return
					case <-ticker.C:
						if time.Now().Unix()-atomic.LoadInt64(&lastActivity) > 25 {
							logger.Warn("sse heartbeat timeout, reconnecting")
							reqCancel()
							return
						}
					}
				}
			}()

			backoff = time.Second
			if c.consumeStream(resp.Body, &lastActivity) {
				logger.Warn("received reset event, refetching snapshot")
				if err := c.fetchSnapshot(); err != nil {
					logger.Error("failed to refetch snapshot after reset", zap.Error(err))
				}
			}
			reqCancel()
			resp.Body.Close()
		}
	}
}

// consumeStream reads SSE frames until the stream ends, applying updates and
// swallowing pings. It returns true when the server signaled a reset, meaning
// the caller must refetch the full snapshot. The server encodes the event
// field without a space after the colon, so matching is on the bare prefix.
func (c *ShelfClient) consumeStream(body io.Reader, lastActivity *int64) bool {
	scanner := bufio.NewScanner(body)

	var eventType string
	var dataBuffer bytes.Buffer

	for scanner.Scan() {
		if lastActivity != nil {
			atomic.StoreInt64(lastActivity, time.Now().Unix())
		}
		line := scanner.Text()
		if line == "" {
			// Process the accumulated message
			if eventType == "reset" {
				return true
			}
			if eventType != "ping" && dataBuffer.Len() > 0 {
				var u v1.Update
				if err := json.Unmarshal(dataBuffer.Bytes(), &u); err == nil {
					c.handleUpdate(u)
				} else {
					logger.Error("failed to unmarshal flag update", zap.Error(err))
				}
			}

			eventType = ""
			dataBuffer.Reset()
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			// Multiple data lines join with a newline
			if dataBuffer.Len() > 0 {
				dataBuffer.WriteString("\n")
			}
			dataBuffer.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return false
}

func (c *ShelfClient) handleUpdate(u v1.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Revision <= c.lastRev {
		logger.Warn("stale revision received", zap.Int64("msg_rev", u.Revision), zap.Int64("last_rev", c.lastRev))
		return
	}

	c.snap = c.snap.Apply(u)
	c.lastRev = u.Revision
	logger.Info("flag update applied",
		zap.String("key", u.Key),
		zap.String("scope", u.Scope),
		zap.Int64("rev", u.Revision))
}
