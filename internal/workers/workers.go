// Package workers implements WorkerRegistry: an HTTP client against the
// worker-inspection service, and the derived per-queue views (active, idle,
// consumers) the NeedEvaluator and SlackerReaper consult.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrTransient wraps network and non-2xx failures reaching the worker
// registry; the controller aborts the tick cleanly and retries next time.
var ErrTransient = errors.New("workers: transient failure")

// Row is one worker as reported by the registry.
type Row struct {
	ID             string
	Host           string
	Queues         map[string]bool
	HasRunningTask bool
	Active         bool
}

// Snapshot is a point-in-time view of the worker fleet, restricted to
// active workers, with derived per-queue views precomputed at construction.
type Snapshot struct {
	rows    []Row
	byQueue map[string][]Row
}

// NewSnapshot builds a Snapshot from rows, keeping only active ones, and
// precomputes the per-queue consumer lists.
func NewSnapshot(rows []Row) Snapshot {
	s := Snapshot{byQueue: make(map[string][]Row)}
	for _, r := range rows {
		if !r.Active {
			continue
		}
		s.rows = append(s.rows, r)
		for q := range r.Queues {
			s.byQueue[q] = append(s.byQueue[q], r)
		}
	}
	return s
}

// Consumers returns every active worker host assigned to queue, or an
// empty (never nil-vs-missing-distinguishing) slice if none.
func (s Snapshot) Consumers(queue string) []Row {
	return append([]Row(nil), s.byQueue[queue]...)
}

// Active returns workers on queue that currently have a running task.
func (s Snapshot) Active(queue string) []Row {
	var out []Row
	for _, r := range s.byQueue[queue] {
		if r.HasRunningTask {
			out = append(out, r)
		}
	}
	return out
}

// Idle returns workers on queue that currently have no running task.
func (s Snapshot) Idle(queue string) []Row {
	var out []Row
	for _, r := range s.byQueue[queue] {
		if !r.HasRunningTask {
			out = append(out, r)
		}
	}
	return out
}

// HasHost reports whether any active worker, on any queue, has the given
// host identifier. The SlackerReaper uses this to decide whether a
// registered VM ever joined as a worker.
func (s Snapshot) HasHost(host string) bool {
	for _, r := range s.rows {
		if r.Host == host {
			return true
		}
	}
	return false
}

// Registry reports the currently active worker fleet.
type Registry interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// HTTPRegistry talks to a worker-inspection service:
// GET /workers -> {worker_id: {status, queues, running_tasks}}.
type HTTPRegistry struct {
	url    string
	client *http.Client
}

// NewHTTPRegistry builds an HTTPRegistry against url, defaulting timeout to
// 10s when unset.
func NewHTTPRegistry(url string, timeout time.Duration) *HTTPRegistry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRegistry{url: url, client: &http.Client{Timeout: timeout}}
}

type workerEntry struct {
	Status       bool     `json:"status"`
	Queues       []string `json:"queues"`
	RunningTasks int      `json:"running_tasks"`
}

// Snapshot implements Registry by calling GET /workers.
func (h *HTTPRegistry) Snapshot(ctx context.Context) (Snapshot, error) {
	endpoint := strings.TrimRight(h.url, "/") + "/workers"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build workers request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("%w: workers request returned %s", ErrTransient, resp.Status)
	}

	var body map[string]workerEntry
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode workers response: %v", ErrTransient, err)
	}

	rows := make([]Row, 0, len(body))
	for workerID, entry := range body {
		queues := make(map[string]bool, len(entry.Queues))
		for _, q := range entry.Queues {
			queues[q] = true
		}
		rows = append(rows, Row{
			ID:             workerID,
			Host:           hostOf(workerID),
			Queues:         queues,
			HasRunningTask: entry.RunningTasks > 0,
			Active:         entry.Status,
		})
	}

	return NewSnapshot(rows), nil
}

// hostOf extracts the host portion of a "name@host" worker identifier, as
// the worker registry reports it. Identifiers without an "@" are returned
// unchanged.
func hostOf(workerID string) string {
	if i := strings.IndexByte(workerID, '@'); i >= 0 {
		return workerID[i+1:]
	}
	return workerID
}
