package txlog

import (
	"testing"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
)

type reporter struct {
	id     int64
	active bool
}

func (r reporter) Active() bool { return r.active }

func (r reporter) Record(global time.Time) domain.TransactionRecord {
	return domain.TransactionRecord{GlobalTime: global, AgentID: r.id}
}

func TestCollectFiltersInactive(t *testing.T) {
	l := New("run-1")
	now := time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

	reporters := []reporter{{1, true}, {2, false}, {3, true}, {4, false}}
	if n := Collect(l, now, reporters, domain.TickSummary{Tick: 0}); n != 2 {
		t.Fatalf("Collect appended %d records, want 2", n)
	}

	records := l.Records()
	if len(records) != 2 || records[0].AgentID != 1 || records[1].AgentID != 3 {
		t.Fatalf("records = %+v", records)
	}
	for _, r := range records {
		if r.RunID != "run-1" {
			t.Errorf("RunID = %q", r.RunID)
		}
	}

	ticks := l.Ticks()
	if len(ticks) != 1 || ticks[0].Transactions != 2 || ticks[0].RunID != "run-1" {
		t.Errorf("ticks = %+v", ticks)
	}
}

func TestExportEmpty(t *testing.T) {
	l := New("")
	records, ok := l.Export()
	if ok || records != nil {
		t.Fatalf("Export on empty log = %v, %v", records, ok)
	}

	Collect(l, time.Now(), []reporter{{1, false}}, domain.TickSummary{})
	if _, ok := l.Export(); ok {
		t.Error("log with only inactive reporters exported records")
	}
	if len(l.Ticks()) != 1 {
		t.Error("tick summary missing")
	}
}

func TestDrainAndClear(t *testing.T) {
	l := New("")
	now := time.Now()
	Collect(l, now, []reporter{{1, true}}, domain.TickSummary{Tick: 0})
	Collect(l, now.Add(time.Hour), []reporter{{2, true}}, domain.TickSummary{Tick: 1})

	records, ticks := l.Drain()
	if len(records) != 2 || len(ticks) != 2 {
		t.Fatalf("Drain returned %d records and %d ticks", len(records), len(ticks))
	}
	if l.Len() != 0 || len(l.Ticks()) != 0 {
		t.Error("log not empty after Drain")
	}

	Collect(l, now, []reporter{{3, true}}, domain.TickSummary{})
	l.Clear()
	if l.Len() != 0 {
		t.Error("log not empty after Clear")
	}
}

func TestRecordsIsACopy(t *testing.T) {
	l := New("")
	Collect(l, time.Now(), []reporter{{1, true}}, domain.TickSummary{})
	r := l.Records()
	r[0].AgentID = 99
	if l.Records()[0].AgentID != 1 {
		t.Error("Records exposes internal storage")
	}
}
