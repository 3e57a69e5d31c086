package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardTimeout  = 5 * time.Second
	defaultForwardBatch    = 100
)

// auditForwarder streams audit events to configured SIEM endpoints with
// at-least-once delivery. Each endpoint keeps its own rowid cursor; a failed
// delivery stops the batch so the next pass retries from the same point.
type auditForwarder struct {
	engine    engine.Engine
	custodyID string
	sinks     []config.WebhookConfig
	client    *http.Client
	mu        sync.Mutex
	cursors   map[int]int64
}

// StartAuditForwarder launches the background forwarder when sinks are
// configured.
func StartAuditForwarder(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	f := &auditForwarder{
		engine:    e,
		custodyID: e.Config.Custody.ID,
		sinks:     e.Config.Webhooks,
		client:    &http.Client{Timeout: defaultForwardTimeout},
		cursors:   make(map[int]int64),
	}
	go f.run()
}

func (f *auditForwarder) run() {
	ticker := time.NewTicker(defaultForwardInterval)
	defer ticker.Stop()
	for {
		f.forwardAll()
		<-ticker.C
	}
}

func (f *auditForwarder) forwardAll() {
	for i, sink := range f.sinks {
		if sink.Enabled != nil && !*sink.Enabled {
			continue
		}
		if strings.TrimSpace(sink.URL) == "" {
			continue
		}
		f.forward(i, sink)
	}
}

func (f *auditForwarder) forward(idx int, sink config.WebhookConfig) {
	ctx := context.Background()
	cursor := f.cursorFor(idx)
	events, rowids, err := f.engine.Audit.EventsAfter(ctx, cursor, defaultForwardBatch)
	if err != nil {
		log.Printf("audit forwarder: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newCategoryFilter(sink.Categories)
	for i, evt := range events {
		if !filter.match(evt.Category) {
			f.setCursor(idx, rowids[i])
			continue
		}
		if err := f.post(ctx, sink, evt, rowids[i]); err != nil {
			log.Printf("audit forwarder: deliver to %s failed: %v", sink.URL, err)
			return
		}
		f.setCursor(idx, rowids[i])
	}
}

func (f *auditForwarder) cursorFor(idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	cur, err := f.engine.Audit.LatestRowID(context.Background())
	if err != nil {
		log.Printf("audit forwarder: init cursor failed: %v", err)
		cur = 0
	}
	f.cursors[idx] = cur
	return cur
}

func (f *auditForwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

func (f *auditForwarder) post(ctx context.Context, sink config.WebhookConfig, evt domain.AuditEvent, delivery int64) error {
	data, err := json.Marshal(auditEventResponse(evt))
	if err != nil {
		return err
	}
	timeout := defaultForwardTimeout
	if sink.TimeoutSeconds > 0 {
		timeout = time.Duration(sink.TimeoutSeconds) * time.Second
	}
	client := f.client
	if timeout != f.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vaultline-Category", evt.Category)
	req.Header.Set("X-Vaultline-Delivery", fmt.Sprintf("%d", delivery))
	req.Header.Set("X-Vaultline-Custody", f.custodyID)
	if strings.TrimSpace(sink.Secret) != "" {
		req.Header.Set("X-Vaultline-Secret", sink.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type categoryFilter struct {
	all bool
	set map[string]struct{}
}

func newCategoryFilter(categories []string) categoryFilter {
	if len(categories) == 0 {
		return categoryFilter{all: true}
	}
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		key := strings.TrimSpace(c)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return categoryFilter{all: true}
	}
	return categoryFilter{set: set}
}

func (f categoryFilter) match(category string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[category]
	return ok
}
