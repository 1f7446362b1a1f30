package service

import (
	"sync"
	"testing"
	"time"

	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/constraints"
	"shelfgate/pkg/logger"
)

func init() {
	logger.InitLogger("test")
}

type MockObserver struct{}

func (m *MockObserver) IncOnline()                              {}
func (m *MockObserver) DecOnline()                              {}
func (m *MockObserver) RecordPush()                             {}
func (m *MockObserver) UpdateEventLag(lag int)                  {}
func (m *MockObserver) RecordEvaluation(source string, en bool) {}

func TestClient_WantsUpdate(t *testing.T) {
	platformUpdate := v1.Update{Entry: v1.Entry{Scope: constraints.ScopePlatform, Key: "FF_X"}}
	t1Update := v1.Update{Entry: v1.Entry{Scope: constraints.ScopeTenant, TenantID: "t1", Key: "TENANT_Y"}}

	tenant := &Client{TenantID: "t1"}
	if !tenant.WantsUpdate(platformUpdate) {
		t.Error("platform updates go to every tenant")
	}
	if !tenant.WantsUpdate(t1Update) {
		t.Error("tenant gets its own updates")
	}

	other := &Client{TenantID: "t2"}
	if other.WantsUpdate(t1Update) {
		t.Error("tenant updates must never reach another tenant")
	}

	admin := &Client{AllTenants: true}
	if !admin.WantsUpdate(t1Update) {
		t.Error("dashboard clients see everything")
	}
}

func TestHub_Concurrency(t *testing.T) {
	hub := NewHub(&MockObserver{}, 100*time.Millisecond, 512)
	go hub.Run()

	var wg sync.WaitGroup
	// Parameters for race detection
	clientCount := 50
	msgCount := 200

	clients := make([]*Client, clientCount)

	// 1. Concurrent Registration
	for i := 0; i < clientCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c := &Client{
				Send:     make(chan v1.Update, 50),
				TenantID: "t1",
			}
			clients[idx] = c
			hub.Register <- c
		}(i)
	}
	wg.Wait()

	broadcastDone := make(chan struct{})

	// 2. Concurrent Broadcast
	go func() {
		for i := 0; i < msgCount; i++ {
			hub.Broadcast <- v1.Update{
				Entry: v1.Entry{
					Scope:    constraints.ScopePlatform,
					Key:      "FF_TEST",
					Kind:     v1.KindRow,
					Revision: int64(i),
				},
				Action: constraints.PUT,
			}
			// Small delay to allow interleaving with unregister
			if i%10 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		close(broadcastDone)
	}()

	// 3. Concurrent Unregister (churn)
	go func() {
		for i := 0; i < clientCount/2; i++ {
			time.Sleep(2 * time.Millisecond)
			hub.Unregister <- clients[i]
		}
	}()

	// 4. Reader Consuming Loop
	var readWg sync.WaitGroup
	for i := 0; i < clientCount; i++ {
		readWg.Add(1)
		go func(c *Client) {
			defer readWg.Done()
			timeout := time.After(3 * time.Second)
			for {
				select {
				case _, ok := <-c.Send:
					if !ok {
						return // Channel closed by hub
					}
				case <-broadcastDone:
					// Drain remaining
					for {
						select {
						case _, ok := <-c.Send:
							if !ok {
								return
							}
						default:
							return
						}
					}
				case <-timeout:
					return
				}
			}
		}(clients[i])
	}

	readWg.Wait()
}
