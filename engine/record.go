package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a single execution attempt ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCircuitOpen Outcome = "circuit-open"
	OutcomeRateLimited Outcome = "rate-limited"
)

// Record is an append-only execution record, one per attempt. Records are
// retained in a bounded trailing window for health reporting.
type Record struct {
	ID         string         `json:"id"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	Outcome    Outcome        `json:"outcome"`
	RetryCount int            `json:"retry_count"`
	Latency    time.Duration  `json:"latency"`
	Error      string         `json:"error,omitempty"`
}

// NewRecord builds a Record for an attempt that started at startedAt and just
// ended. retryCount is the zero-based attempt index.
func NewRecord(toolName string, args map[string]any, startedAt time.Time, retryCount int, outcome Outcome, err error) Record {
	now := time.Now()
	if startedAt.IsZero() {
		startedAt = now
	}
	rec := Record{
		ID:         uuid.New().String(),
		Tool:       toolName,
		Args:       args,
		StartedAt:  startedAt,
		EndedAt:    now,
		Outcome:    outcome,
		RetryCount: retryCount,
		Latency:    now.Sub(startedAt),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// History is a fixed-size ring buffer of execution records. Appends evict the
// oldest entry once the window is full. Safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	records []Record
	next    int
	full    bool
}

// NewHistory creates a ring buffer holding at most size records.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{records: make([]Record, size)}
}

// Append adds a record, evicting the oldest when full.
func (h *History) Append(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = rec
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []Record {
	all := h.snapshot()
	if n > len(all) {
		n = len(all)
	}
	out := make([]Record, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		out = append(out, all[i])
	}
	return out
}

// ForTool returns all retained records for one tool, oldest first.
func (h *History) ForTool(name string) []Record {
	var out []Record
	for _, rec := range h.snapshot() {
		if rec.Tool == name {
			out = append(out, rec)
		}
	}
	return out
}

// SuccessRate returns the fraction of retained records for a tool that
// succeeded, and the number of records considered. A tool with no records
// reports (1.0, 0).
func (h *History) SuccessRate(name string) (float64, int) {
	records := h.ForTool(name)
	if len(records) == 0 {
		return 1.0, 0
	}
	var succeeded int
	for _, rec := range records {
		if rec.Outcome == OutcomeSuccess {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(records)), len(records)
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.records)
	}
	return h.next
}

// snapshot returns retained records oldest first.
func (h *History) snapshot() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]Record, h.next)
		copy(out, h.records[:h.next])
		return out
	}
	out := make([]Record, 0, len(h.records))
	out = append(out, h.records[h.next:]...)
	out = append(out, h.records[:h.next]...)
	return out
}
