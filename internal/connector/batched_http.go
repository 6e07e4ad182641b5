package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const batchPollInterval = 100 * time.Millisecond

// pendingItem is one buffered Send call awaiting its turn in a batch.
type pendingItem struct {
	task       Task
	onResponse OnResponse
}

// BatchedHTTP enqueues payloads into an unbounded in-memory queue;
// background workers repeatedly drain up to BatchSize items, glue them
// into a single request body, POST to one of the configured URLs
// round-robin, then fan out the response list element-wise to each
// task's callback (spec.md §4.1 "Batched HTTP").
type BatchedHTTP struct {
	URLs      []string
	BatchSize int
	Timeout   time.Duration
	Client    *http.Client

	mu    sync.Mutex
	queue []pendingItem

	notify chan struct{}
	next   int // round-robin index into URLs
}

// NewBatchedHTTP builds a BatchedHTTP connector and starts numWorkers
// background drain loops bound to ctx.
func NewBatchedHTTP(ctx context.Context, urls []string, batchSize int, timeout time.Duration, numWorkers int) *BatchedHTTP {
	if batchSize < 1 {
		batchSize = 1
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	b := &BatchedHTTP{
		URLs:      urls,
		BatchSize: batchSize,
		Timeout:   timeout,
		Client:    &http.Client{Timeout: timeout},
		notify:    make(chan struct{}, 1),
	}
	for i := 0; i < numWorkers; i++ {
		go b.worker(ctx)
	}
	return b
}

func (b *BatchedHTTP) Send(_ context.Context, task Task, onResponse OnResponse) error {
	b.mu.Lock()
	b.queue = append(b.queue, pendingItem{task: task, onResponse: onResponse})
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *BatchedHTTP) worker(ctx context.Context) {
	ticker := time.NewTicker(batchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
			b.drainAndCall(ctx)
		case <-ticker.C:
			b.drainAndCall(ctx)
		}
	}
}

func (b *BatchedHTTP) drainAndCall(ctx context.Context) {
	batch := b.takeBatch()
	if len(batch) == 0 {
		return
	}

	glued := glueTasks(batch)
	url := b.pickURL()

	results, err := b.callService(ctx, url, glued, len(batch))
	for i, item := range batch {
		if err != nil {
			item.onResponse(item.task.TaskID, Response{Err: err})
			continue
		}
		if i >= len(results) {
			item.onResponse(item.task.TaskID, Response{Err: fmt.Errorf("batched_http: response list shorter than batch (got %d, want %d)", len(results), len(batch))})
			continue
		}
		item.onResponse(item.task.TaskID, Response{Value: results[i]})
	}
}

func (b *BatchedHTTP) takeBatch() []pendingItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	n := b.BatchSize
	if n > len(b.queue) {
		n = len(b.queue)
	}
	batch := b.queue[:n]
	b.queue = b.queue[n:]
	return batch
}

func (b *BatchedHTTP) pickURL() string {
	if len(b.URLs) == 0 {
		return ""
	}
	b.mu.Lock()
	idx := b.next % len(b.URLs)
	b.next++
	b.mu.Unlock()
	return b.URLs[idx]
}

// glueTasks concatenates per-key lists across the batch's payloads —
// each payload is expected to be a map[string]any whose values are
// single items or slices; keys are merged into a slice of length
// len(batch). Payloads that aren't maps are passed through as a flat
// list under the synthetic key "payload".
func glueTasks(batch []pendingItem) map[string]any {
	glued := make(map[string]any)
	flat := make([]any, 0, len(batch))
	keyed := false
	for _, item := range batch {
		m, ok := item.task.Payload.(map[string]any)
		if !ok {
			flat = append(flat, item.task.Payload)
			continue
		}
		keyed = true
		for k, v := range m {
			list, _ := glued[k].([]any)
			glued[k] = append(list, v)
		}
	}
	if !keyed {
		glued["payload"] = flat
	}
	return glued
}

func (b *BatchedHTTP) callService(ctx context.Context, url string, glued map[string]any, wantResults int) ([]any, error) {
	body, err := json.Marshal(glued)
	if err != nil {
		return nil, fmt.Errorf("batched_http: marshal glued batch: %w", err)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if b.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("batched_http: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batched_http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("batched_http: service returned status %d", resp.StatusCode)
	}

	var results []any
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("batched_http: decode response list: %w", err)
	}
	return results, nil
}
