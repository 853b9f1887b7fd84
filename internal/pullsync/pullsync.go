package pullsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"ordersync/backend/internal/batch"
	"ordersync/backend/internal/domain"
)

type Status string

const (
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusNoOrders Status = "no_orders"
)

const (
	defaultInterval = 15 * time.Minute
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 32 << 20
	route           = "/pull-sync"
)

// WebhookHandler is the batch entry point pulled orders are fed into.
type WebhookHandler interface {
	Handle(ctx context.Context, in batch.Inbound) batch.Reply
}

type Config struct {
	URL        string
	APIKey     string
	RegisterID string
	Interval   time.Duration
	Timeout    time.Duration
}

// State is the outcome of the most recent sync attempt. LastSyncAt is the
// cursor sent as since on the next fetch.
type State struct {
	LastSyncAt  time.Time `json:"last_sync_at"`
	LastStatus  Status    `json:"last_status"`
	LastMessage string    `json:"last_message"`
}

// Poller fetches orders from an external POS API and processes them as one
// batch per fetch.
type Poller struct {
	cfg     Config
	handler WebhookHandler
	client  *http.Client
	now     func() time.Time

	mu    sync.Mutex
	state State
}

func New(cfg Config, handler WebhookHandler, client *http.Client) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Poller{
		cfg:     cfg,
		handler: handler,
		client:  client,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run syncs immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[pullsync] WARN: sync failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce fetches orders changed since the last successful fetch and hands
// them to the batch handler. The cursor only advances when the fetch itself
// succeeded.
func (p *Poller) SyncOnce(ctx context.Context) (State, error) {
	p.mu.Lock()
	since := p.state.LastSyncAt
	p.mu.Unlock()

	startedAt := p.now()
	orders, err := p.fetch(ctx, since)
	if err != nil {
		return p.record(State{LastSyncAt: since, LastStatus: StatusError, LastMessage: fmt.Sprintf("Error: %v", err)}), err
	}
	if len(orders) == 0 {
		return p.record(State{LastSyncAt: startedAt, LastStatus: StatusNoOrders, LastMessage: "No orders found to sync"}), nil
	}

	body, err := json.Marshal(struct {
		RegisterID string            `json:"register_id,omitempty"`
		Orders     []json.RawMessage `json:"orders"`
	}{RegisterID: p.cfg.RegisterID, Orders: orders})
	if err != nil {
		return p.record(State{LastSyncAt: since, LastStatus: StatusError, LastMessage: fmt.Sprintf("Error: %v", err)}), err
	}

	reply := p.handler.Handle(ctx, batch.Inbound{
		Route:     route,
		Method:    http.MethodGet,
		UserAgent: "ordersync-pullsync",
		Headers:   map[string]string{"X-Pull-Source": p.cfg.URL},
		Body:      body,
		Actor:     &domain.Actor{Subject: "pullsync", Method: domain.AuthMethodPullSync},
	})

	var resp domain.BatchResponse
	if err := json.Unmarshal(reply.Body, &resp); err != nil {
		return p.record(State{LastSyncAt: startedAt, LastStatus: StatusError, LastMessage: fmt.Sprintf("Error: unreadable batch reply: %v", err)}), err
	}
	if resp.Data == nil {
		message := "batch rejected"
		if resp.Error != nil {
			message = *resp.Error
		}
		return p.record(State{LastSyncAt: since, LastStatus: StatusError, LastMessage: "Error: " + message}), errors.New(message)
	}

	state := State{LastSyncAt: startedAt, LastStatus: StatusSuccess}
	state.LastMessage = fmt.Sprintf("Processed %d orders successfully", resp.Data.Successful)
	if resp.Data.Failed > 0 {
		state.LastStatus = StatusError
		state.LastMessage += fmt.Sprintf(", %d failed", resp.Data.Failed)
	}
	log.Printf("[pullsync] sync completed: %s", state.LastMessage)
	return p.record(state), nil
}

func (p *Poller) record(state State) State {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	return state
}

func (p *Poller) fetch(ctx context.Context, since time.Time) ([]json.RawMessage, error) {
	target, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pull url: %w", err)
	}
	if !since.IsZero() {
		query := target.Query()
		query.Set("since", since.Format(time.RFC3339))
		target.RawQuery = query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	log.Printf("[pullsync] fetching orders from %s", target.Redacted())
	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("fetch orders: unexpected status %d", res.StatusCode)
	}
	return decodeOrders(raw)
}

// decodeOrders accepts a JSON array of orders, an object with an orders
// field, or a single order object.
func decodeOrders(raw []byte) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var orders []json.RawMessage
		if err := json.Unmarshal(raw, &orders); err != nil {
			return nil, fmt.Errorf("decode orders: %w", err)
		}
		return orders, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	if nested, ok := envelope["orders"]; ok {
		return decodeOrders(nested)
	}
	if len(envelope) == 0 {
		return nil, nil
	}
	return []json.RawMessage{raw}, nil
}
