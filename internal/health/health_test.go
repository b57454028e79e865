package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hubd/hubd/internal/model"
)

func TestDeriveStatusIsPure(t *testing.T) {
	rec := model.AccountHealth{Connected: true, ErrorCount: 0, SLAViolations: 0}
	now := time.Now()
	s1 := DeriveStatus(rec, DefaultStaleness, now)
	s2 := DeriveStatus(rec, DefaultStaleness, now)
	if s1 != s2 {
		t.Fatalf("expected identical status for identical inputs, got %s vs %s", s1, s2)
	}
	if s1 != model.HealthHealthy {
		t.Fatalf("expected healthy, got %s", s1)
	}
}

func TestDeriveStatusPrecedence(t *testing.T) {
	now := time.Now()
	stale := now.Add(-time.Hour)

	cases := []struct {
		name string
		rec  model.AccountHealth
		want model.HealthStatus
	}{
		{"not connected wins", model.AccountHealth{Connected: false, RateLimited: true}, model.HealthCritical},
		{"rate limited", model.AccountHealth{Connected: true, RateLimited: true}, model.HealthCritical},
		{"high error count", model.AccountHealth{Connected: true, ErrorCount: 5}, model.HealthCritical},
		{"low error count degrades", model.AccountHealth{Connected: true, ErrorCount: 1}, model.HealthDegraded},
		{"sla violations degrade", model.AccountHealth{Connected: true, SLAViolations: 1}, model.HealthDegraded},
		{"stale activity degrades", model.AccountHealth{Connected: true, LastActivity: &stale}, model.HealthDegraded},
		{"clean is healthy", model.AccountHealth{Connected: true, LastActivity: &now}, model.HealthHealthy},
	}
	for _, c := range cases {
		got := DeriveStatus(c.rec, DefaultStaleness, now)
		if got != c.want {
			t.Errorf("%s: got %s want %s", c.name, got, c.want)
		}
	}
}

func TestAggregateOverallIsCriticalIfAnyAccountCritical(t *testing.T) {
	m := NewMonitor(0)
	connectedTrue, connectedFalse := true, false
	m.Update("alice", Partial{Connected: &connectedTrue})
	m.Update("bob", Partial{Connected: &connectedFalse})

	agg := m.Aggregate()
	if agg.Overall != model.HealthCritical {
		t.Fatalf("expected critical overall, got %s", agg.Overall)
	}
	if agg.Critical != 1 || agg.Healthy != 1 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
}

func TestAggregateOverallDegradedWithoutCritical(t *testing.T) {
	m := NewMonitor(0)
	connectedTrue := true
	errCount := 1
	m.Update("alice", Partial{Connected: &connectedTrue, ErrorCount: &errCount})

	agg := m.Aggregate()
	if agg.Overall != model.HealthDegraded {
		t.Fatalf("expected degraded overall, got %s", agg.Overall)
	}
}

type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingBus) Emit(eventType string, fields map[string]interface{}) model.EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return model.EventRecord{Type: eventType, Fields: fields}
}

func TestCheckerSkipsOverlappingTicks(t *testing.T) {
	m := NewMonitor(0)
	bus := &recordingBus{}

	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	calls := 0

	probe := func(ctx context.Context, account string) (ProbeResult, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		return ProbeResult{OK: true}, nil
	}

	c := NewChecker(m, bus, probe, time.Hour, time.Second)
	c.Track("alice")

	go c.tick(context.Background())
	<-started

	// A second tick while the first is still in flight must be a no-op.
	c.tick(context.Background())

	close(release)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 probe call (overlap skipped), got %d", calls)
	}
}
