// Package extension coordinates browser-extension tabs that download
// SteamDB compare charts on behalf of extension jobs.
//
// The extension polls for assignments, acknowledges the one it claims,
// and reports the downloaded CSV. Tabs prove liveness with heartbeats.
package extension

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownAssignment is returned for ids the bridge does not hold.
	ErrUnknownAssignment = errors.New("extension: unknown assignment")
	// ErrWrongTab is returned when a tab acts on an assignment claimed by another tab.
	ErrWrongTab = errors.New("extension: assignment claimed by another tab")
)

// Report statuses sent by the extension.
const (
	ReportOK        = "ok"
	ReportError     = "error"
	ReportTabClosed = "tab_closed"
)

// Config holds bridge settings.
type Config struct {
	CompareURL   string
	HeartbeatTTL time.Duration
}

// Assignment is one batch handed to a tab.
type Assignment struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	BatchNumber int       `json:"batch_number"`
	AppIDs      []int64   `json:"app_ids"`
	URL         string    `json:"compare_url"`
	TabID       string    `json:"tab_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	claimed bool
	acked   chan struct{}
	result  chan Report
	done    bool
}

// Report is the outcome posted by a tab.
type Report struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	CSV    string `json:"csv,omitempty"`
}

// Bridge holds pending assignments and tab heartbeats in memory.
type Bridge struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	queue       []*Assignment
	assignments map[string]*Assignment
	heartbeats  map[string]time.Time
}

// NewBridge creates an empty bridge.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{
		cfg:         cfg,
		now:         time.Now,
		assignments: make(map[string]*Assignment),
		heartbeats:  make(map[string]time.Time),
	}
}

// CompareURL builds the chart URL covering ids.
func (b *Bridge) CompareURL(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return b.cfg.CompareURL + strings.Join(parts, ",")
}

// Heartbeat records that tabID is alive.
func (b *Bridge) Heartbeat(tabID string) {
	b.mu.Lock()
	b.heartbeats[tabID] = b.now()
	b.mu.Unlock()
}

// Tabs returns the number of tabs with a fresh heartbeat.
func (b *Bridge) Tabs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for tab := range b.heartbeats {
		if b.freshLocked(tab) {
			n++
		}
	}
	return n
}

// Pending returns the number of unclaimed assignments.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Submit enqueues an assignment keyed by id, replacing any previous one.
func (b *Bridge) Submit(id, jobID string, number int, ids []int64) *Assignment {
	a := &Assignment{
		ID:          id,
		JobID:       jobID,
		BatchNumber: number,
		AppIDs:      append([]int64(nil), ids...),
		URL:         b.CompareURL(ids),
		CreatedAt:   b.now(),
		acked:       make(chan struct{}),
		result:      make(chan Report, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
	b.assignments[id] = a
	b.queue = append(b.queue, a)
	return a
}

// Next hands the oldest unclaimed assignment to tabID.
// The returned copy is safe to serialise.
func (b *Bridge) Next(tabID string) (Assignment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats[tabID] = b.now()
	if len(b.queue) == 0 {
		return Assignment{}, false
	}
	a := b.queue[0]
	b.queue = b.queue[1:]
	a.claimed = true
	a.TabID = tabID
	return Assignment{
		ID:          a.ID,
		JobID:       a.JobID,
		BatchNumber: a.BatchNumber,
		AppIDs:      append([]int64(nil), a.AppIDs...),
		URL:         a.URL,
		TabID:       a.TabID,
		CreatedAt:   a.CreatedAt,
	}, true
}

// Ack confirms that tabID opened the assignment's page.
func (b *Bridge) Ack(id, tabID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.claimedLocked(id, tabID)
	if err != nil {
		return err
	}
	b.heartbeats[tabID] = b.now()
	select {
	case <-a.acked:
	default:
		close(a.acked)
	}
	return nil
}

// Complete delivers the tab's report. Only the first report counts.
func (b *Bridge) Complete(id, tabID string, r Report) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.claimedLocked(id, tabID)
	if err != nil {
		return err
	}
	b.heartbeats[tabID] = b.now()
	if a.done {
		return nil
	}
	a.done = true
	a.result <- r
	return nil
}

func (b *Bridge) claimedLocked(id, tabID string) (*Assignment, error) {
	a, ok := b.assignments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAssignment, id)
	}
	if !a.claimed || a.TabID != tabID {
		return nil, fmt.Errorf("%w: %s", ErrWrongTab, id)
	}
	return a, nil
}

// WaitAck blocks until the assignment is acknowledged or ctx ends.
func (b *Bridge) WaitAck(ctx context.Context, a *Assignment) error {
	select {
	case <-a.acked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitResult blocks until the assignment is reported or ctx ends.
func (b *Bridge) WaitResult(ctx context.Context, a *Assignment) (Report, error) {
	select {
	case r := <-a.result:
		return r, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Release forgets an assignment.
func (b *Bridge) Release(id string) {
	b.mu.Lock()
	b.removeLocked(id)
	b.mu.Unlock()
}

func (b *Bridge) removeLocked(id string) {
	if _, ok := b.assignments[id]; !ok {
		return
	}
	delete(b.assignments, id)
	for i, q := range b.queue {
		if q.ID == id {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
}

// Alive reports whether the assignment is held by a tab whose heartbeat is
// within the TTL. Unclaimed and unknown assignments are not alive.
func (b *Bridge) Alive(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.assignments[id]
	if !ok || !a.claimed {
		return false
	}
	return b.freshLocked(a.TabID)
}

// Lookup returns the live assignment with id.
func (b *Bridge) Lookup(id string) (*Assignment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.assignments[id]
	return a, ok
}

func (b *Bridge) freshLocked(tabID string) bool {
	last, ok := b.heartbeats[tabID]
	return ok && b.now().Sub(last) <= b.cfg.HeartbeatTTL
}
