// Package health derives per-account and overall health from connection
// counters, and runs an active probe loop on top of that pure state.
//
// The pure Update/Aggregate split (derive status from counters, never
// from a clock inside the derivation itself) follows the same style as
// the teacher's internal/storage/sqlite/ready.go readiness checks — a
// status computed from current state rather than accumulated as an
// event stream. The staleness formatting uses github.com/dustin/go-
// humanize, which the teacher carries as an indirect dependency through
// its CLI output layer; this package is the first to import it directly.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hubd/hubd/internal/model"
)

// DefaultStaleness is how old lastActivity can be before an otherwise
// clean account is considered degraded.
const DefaultStaleness = 10 * time.Minute

// Partial carries the subset of fields Update should merge into an
// account's record; a nil field is left unchanged.
type Partial struct {
	Connected     *bool
	LastActivity  *time.Time
	ErrorCount    *int
	RateLimited   *bool
	SLAViolations *int
}

// Monitor holds the current health record for every known account. All
// methods are pure with respect to the stored state: given the same
// counters, DeriveStatus always returns the same status.
type Monitor struct {
	mu         sync.Mutex
	accounts   map[string]model.AccountHealth
	staleAfter time.Duration
}

// NewMonitor creates a Monitor using the given staleness threshold; a
// zero duration uses DefaultStaleness.
func NewMonitor(staleAfter time.Duration) *Monitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleness
	}
	return &Monitor{accounts: make(map[string]model.AccountHealth), staleAfter: staleAfter}
}

// Update merges partial into account's record (seeding connected=true
// defaults if new), recomputes its status, and returns the new record.
func (m *Monitor) Update(account string, p Partial) model.AccountHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.accounts[account]
	if !ok {
		rec = model.AccountHealth{Account: account, Connected: true}
	}
	if p.Connected != nil {
		rec.Connected = *p.Connected
	}
	if p.LastActivity != nil {
		rec.LastActivity = p.LastActivity
	}
	if p.ErrorCount != nil {
		rec.ErrorCount = *p.ErrorCount
	}
	if p.RateLimited != nil {
		rec.RateLimited = *p.RateLimited
	}
	if p.SLAViolations != nil {
		rec.SLAViolations = *p.SLAViolations
	}
	rec.UpdatedAt = time.Now()
	rec.Status = DeriveStatus(rec, m.staleAfter, rec.UpdatedAt)

	m.accounts[account] = rec
	return rec
}

// Get returns the current record for account, or the zero value and
// false if unknown.
func (m *Monitor) Get(account string) (model.AccountHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.accounts[account]
	return rec, ok
}

// DeriveStatus applies the spec's status precedence rule, in order:
// not connected, rate limited, errorCount>=5 -> critical; errorCount>0,
// slaViolations>0, or stale lastActivity -> degraded; else healthy. now
// is passed explicitly so the derivation stays a pure function of its
// inputs rather than reaching for the wall clock itself.
func DeriveStatus(rec model.AccountHealth, staleAfter time.Duration, now time.Time) model.HealthStatus {
	switch {
	case !rec.Connected:
		return model.HealthCritical
	case rec.RateLimited:
		return model.HealthCritical
	case rec.ErrorCount >= 5:
		return model.HealthCritical
	case rec.ErrorCount > 0:
		return model.HealthDegraded
	case rec.SLAViolations > 0:
		return model.HealthDegraded
	case rec.LastActivity != nil && now.Sub(*rec.LastActivity) > staleAfter:
		return model.HealthDegraded
	default:
		return model.HealthHealthy
	}
}

// Aggregate is the fleet-wide summary returned by Aggregate.
type Aggregate struct {
	Overall  model.HealthStatus        `json:"overall"`
	Healthy  int                       `json:"healthy"`
	Degraded int                       `json:"degraded"`
	Critical int                       `json:"critical"`
	Total    int                       `json:"total"`
	Accounts []model.AccountHealth     `json:"accounts"`
}

// Aggregate summarizes every known account's health. overall is critical
// if any account is critical, else degraded if any is degraded, else
// healthy.
func (m *Monitor) Aggregate() Aggregate {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := Aggregate{Overall: model.HealthHealthy}
	for _, rec := range m.accounts {
		agg.Accounts = append(agg.Accounts, rec)
		agg.Total++
		switch rec.Status {
		case model.HealthCritical:
			agg.Critical++
		case model.HealthDegraded:
			agg.Degraded++
		default:
			agg.Healthy++
		}
	}
	if agg.Critical > 0 {
		agg.Overall = model.HealthCritical
	} else if agg.Degraded > 0 {
		agg.Overall = model.HealthDegraded
	}
	return agg
}

// StalenessDescription renders how long ago lastActivity was as
// human-readable text, or "never" when lastActivity is nil.
func StalenessDescription(lastActivity *time.Time) string {
	if lastActivity == nil {
		return "never"
	}
	return humanize.Time(*lastActivity)
}

// ProbeResult is what a user-supplied probe reports for one account.
type ProbeResult struct {
	OK        bool
	LatencyMs int
}

// ProbeFunc checks one account's liveness, respecting ctx's deadline.
type ProbeFunc func(ctx context.Context, account string) (ProbeResult, error)

// EventEmitter is the subset of eventbus.Bus the checker needs, kept as
// an interface so tests can substitute a recorder.
type EventEmitter interface {
	Emit(eventType string, fields map[string]interface{}) model.EventRecord
}

// Checker runs ProbeFunc against every tracked account on a timer,
// updating the Monitor and emitting ACCOUNT_HEALTH events.
type Checker struct {
	monitor  *Monitor
	probe    ProbeFunc
	bus      EventEmitter
	interval time.Duration
	timeout  time.Duration

	onCritical func(account string, rec model.AccountHealth)

	mu       sync.Mutex
	accounts []string
	running  bool
}

// NewChecker creates a Checker. A zero interval defaults to 5 minutes; a
// zero timeout defaults to 10 seconds per probe.
func NewChecker(monitor *Monitor, bus EventEmitter, probe ProbeFunc, interval, timeout time.Duration) *Checker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{monitor: monitor, bus: bus, probe: probe, interval: interval, timeout: timeout}
}

// OnCritical registers a hook invoked whenever a tick's result is
// critical for an account.
func (c *Checker) OnCritical(fn func(account string, rec model.AccountHealth)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCritical = fn
}

// Track adds account to the set probed on each tick.
func (c *Checker) Track(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.accounts {
		if a == account {
			return
		}
	}
	c.accounts = append(c.accounts, account)
}

// Run blocks, ticking every interval until ctx is canceled. A tick that
// finds the previous tick still in flight is skipped rather than queued,
// so probes never pile up.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Checker) tick(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	accounts := append([]string(nil), c.accounts...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for _, account := range accounts {
		wg.Add(1)
		go func(account string) {
			defer wg.Done()
			c.probeOne(ctx, account)
		}(account)
	}
	wg.Wait()
}

func (c *Checker) probeOne(ctx context.Context, account string) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.probe(probeCtx, account)
	connected := err == nil && result.OK

	rec := c.monitor.Update(account, Partial{Connected: &connected})

	if c.bus != nil {
		c.bus.Emit("ACCOUNT_HEALTH", map[string]interface{}{
			"agent":     account,
			"status":    string(rec.Status),
			"latencyMs": result.LatencyMs,
		})
	}

	if rec.Status == model.HealthCritical {
		c.mu.Lock()
		hook := c.onCritical
		c.mu.Unlock()
		if hook != nil {
			hook(account, rec)
		}
	}
}
