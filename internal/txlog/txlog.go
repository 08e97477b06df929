// Package txlog is the append-only transaction log of a simulation.
package txlog

import (
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
)

// Reporter is anything that can be logged for a tick.
type Reporter interface {
	Active() bool
	Record(global time.Time) domain.TransactionRecord
}

// Log collects one record per active agent per tick plus one model-level
// summary per tick. It is safe for concurrent readers.
type Log struct {
	mu      sync.RWMutex
	runID   string
	records []domain.TransactionRecord
	ticks   []domain.TickSummary
}

// New creates an empty log. runID, when set, is stamped on every row.
func New(runID string) *Log {
	return &Log{runID: runID}
}

// Collect appends the records of the active reporters, in the given order,
// and the tick summary. Inactive reporters produce no record. It returns
// the number of records appended.
func Collect[R Reporter](l *Log, global time.Time, reporters []R, summary domain.TickSummary) int {
	batch := make([]domain.TransactionRecord, 0, len(reporters)/4)
	for _, r := range reporters {
		if !r.Active() {
			continue
		}
		rec := r.Record(global)
		rec.RunID = l.runID
		batch = append(batch, rec)
	}
	summary.RunID = l.runID
	summary.Transactions = len(batch)

	l.mu.Lock()
	l.records = append(l.records, batch...)
	l.ticks = append(l.ticks, summary)
	l.mu.Unlock()
	return len(batch)
}

// Records returns a copy of all records.
func (l *Log) Records() []domain.TransactionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.records)
}

// Ticks returns a copy of all tick summaries.
func (l *Log) Ticks() []domain.TickSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.ticks)
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Export returns all records, or ok=false when the log is empty.
func (l *Log) Export() ([]domain.TransactionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return nil, false
	}
	return slices.Clone(l.records), true
}

// Drain returns and clears all records and tick summaries.
func (l *Log) Drain() ([]domain.TransactionRecord, []domain.TickSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records, ticks := l.records, l.ticks
	l.records, l.ticks = nil, nil
	return records, ticks
}

// Clear drops everything logged so far.
func (l *Log) Clear() {
	l.mu.Lock()
	l.records, l.ticks = nil, nil
	l.mu.Unlock()
}
