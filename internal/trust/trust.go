// Package trust maintains per-account reputation scores from task
// outcomes and direct adjustments, plus an append-only history of every
// score change.
//
// Persistence follows the teacher's internal/storage/sqlite/config.go
// upsert-on-conflict idiom for the reputation row, and the
// history-table-as-audit-trail shape mirrors
// internal/storage/sqlite/decision_points.go's append-only log pattern.
// Uses modernc.org/sqlite for the same reason as internal/messagestore:
// the teacher's own Dolt/MySQL backend targets a multi-user server, not
// this daemon's embedded single-file store.
package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hubd/hubd/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS reputation (
	account TEXT PRIMARY KEY,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0,
	critical_failure_count INTEGER NOT NULL DEFAULT 0,
	average_completion_minutes REAL NOT NULL DEFAULT 0,
	completion_rate REAL NOT NULL DEFAULT 0,
	sla_compliance_rate REAL NOT NULL DEFAULT 1,
	quality_variance REAL NOT NULL DEFAULT 0,
	progress_reporting_rate REAL NOT NULL DEFAULT 1,
	trust_score INTEGER NOT NULL DEFAULT 50,
	trust_level TEXT NOT NULL DEFAULT 'medium',
	last_updated INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS trust_history (
	id TEXT PRIMARY KEY,
	account TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	delta INTEGER NOT NULL,
	reason TEXT NOT NULL,
	old_score INTEGER NOT NULL,
	new_score INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trust_history_account ON trust_history(account, timestamp);
`

// Outcome is the result of a completed task, as reported to RecordOutcome.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
)

// Store is the SQLite-backed trust/reputation ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the trust store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trust store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate trust store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// coldStart is the reputation seeded for an account with zero outcomes.
func coldStart(account string) model.AgentReputation {
	return model.AgentReputation{
		Account:           account,
		SLAComplianceRate: 1,
		ProgressReportingRate: 1,
		TrustScore:        50,
		TrustLevel:        model.TrustMedium,
		LastUpdated:       time.Now(),
	}
}

// Get returns the current reputation for account, seeding a cold-start
// record (score 50, level medium) if none exists yet.
func (s *Store) Get(ctx context.Context, account string) (model.AgentReputation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account, completed, failed, rejected, critical_failure_count,
		       average_completion_minutes, completion_rate, sla_compliance_rate,
		       quality_variance, progress_reporting_rate, trust_score, trust_level, last_updated
		FROM reputation WHERE account = ?
	`, account)

	var (
		r           model.AgentReputation
		lastUpdated int64
		level       string
	)
	err := row.Scan(&r.Account, &r.Completed, &r.Failed, &r.Rejected, &r.CriticalFailureCount,
		&r.AverageCompletionMinutes, &r.CompletionRate, &r.SLAComplianceRate,
		&r.QualityVariance, &r.ProgressReportingRate, &r.TrustScore, &level, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return coldStart(account), nil
	}
	if err != nil {
		return model.AgentReputation{}, fmt.Errorf("get reputation: %w", err)
	}
	r.TrustLevel = model.TrustLevel(level)
	r.LastUpdated = time.UnixMilli(lastUpdated)
	return r, nil
}

func (s *Store) upsert(ctx context.Context, r model.AgentReputation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation (
			account, completed, failed, rejected, critical_failure_count,
			average_completion_minutes, completion_rate, sla_compliance_rate,
			quality_variance, progress_reporting_rate, trust_score, trust_level, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account) DO UPDATE SET
			completed = excluded.completed,
			failed = excluded.failed,
			rejected = excluded.rejected,
			critical_failure_count = excluded.critical_failure_count,
			average_completion_minutes = excluded.average_completion_minutes,
			completion_rate = excluded.completion_rate,
			sla_compliance_rate = excluded.sla_compliance_rate,
			quality_variance = excluded.quality_variance,
			progress_reporting_rate = excluded.progress_reporting_rate,
			trust_score = excluded.trust_score,
			trust_level = excluded.trust_level,
			last_updated = excluded.last_updated
	`, r.Account, r.Completed, r.Failed, r.Rejected, r.CriticalFailureCount,
		r.AverageCompletionMinutes, r.CompletionRate, r.SLAComplianceRate,
		r.QualityVariance, r.ProgressReportingRate, r.TrustScore, string(r.TrustLevel), r.LastUpdated.UnixMilli())
	return err
}

func (s *Store) appendHistory(ctx context.Context, account string, delta int, reason string, oldScore, newScore int) error {
	if delta == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_history (id, account, timestamp, delta, reason, old_score, new_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), account, time.Now().UnixMilli(), delta, reason, oldScore, newScore)
	return err
}

// score applies the deterministic trust formula to r's counters.
func score(r *model.AgentReputation) {
	completionScore := r.CompletionRate * 35
	slaScore := r.SLAComplianceRate * 25
	qualityScore := math.Max(0, 20-float64(r.CriticalFailureCount)*5-r.QualityVariance*10)
	behavioralScore := r.ProgressReportingRate * 10
	totalOutcomes := float64(r.Completed + r.Failed + r.Rejected)
	volumeBonus := math.Min(10, totalOutcomes*0.5)

	sum := completionScore + slaScore + qualityScore + behavioralScore + volumeBonus
	clamped := math.Max(0, math.Min(100, sum))
	r.TrustScore = int(math.Round(clamped))

	switch {
	case r.TrustScore >= 70:
		r.TrustLevel = model.TrustHigh
	case r.TrustScore >= 40:
		r.TrustLevel = model.TrustMedium
	default:
		r.TrustLevel = model.TrustLow
	}
}

// RecordOutcome updates account's counters for a finished task and
// recomputes its score, appending a history row for the resulting delta.
func (s *Store) RecordOutcome(ctx context.Context, account string, outcome Outcome, durationMin float64, wasCritical bool) (model.AgentReputation, error) {
	r, err := s.Get(ctx, account)
	if err != nil {
		return model.AgentReputation{}, err
	}
	oldScore := r.TrustScore

	switch outcome {
	case OutcomeCompleted:
		r.Completed++
		if durationMin > 0 {
			n := float64(r.Completed)
			r.AverageCompletionMinutes = ((r.AverageCompletionMinutes * (n - 1)) + durationMin) / n
		}
	case OutcomeFailed:
		r.Failed++
		if wasCritical {
			r.CriticalFailureCount++
		}
	case OutcomeRejected:
		r.Rejected++
	}

	total := r.Completed + r.Failed + r.Rejected
	if total > 0 {
		r.CompletionRate = float64(r.Completed) / float64(total)
	}

	score(&r)
	r.LastUpdated = time.Now()

	if err := s.upsert(ctx, r); err != nil {
		return model.AgentReputation{}, fmt.Errorf("record outcome: %w", err)
	}
	if err := s.appendHistory(ctx, account, r.TrustScore-oldScore, "outcome:"+string(outcome), oldScore, r.TrustScore); err != nil {
		return model.AgentReputation{}, fmt.Errorf("record outcome history: %w", err)
	}
	return r, nil
}

// ApplyDelta adjusts account's score directly by delta (positive or
// negative), clamping to [0,100] and appending a history row.
func (s *Store) ApplyDelta(ctx context.Context, account string, delta int, reason string) (model.AgentReputation, error) {
	r, err := s.Get(ctx, account)
	if err != nil {
		return model.AgentReputation{}, err
	}
	oldScore := r.TrustScore
	newScore := oldScore + delta
	if newScore < 0 {
		newScore = 0
	}
	if newScore > 100 {
		newScore = 100
	}
	r.TrustScore = newScore
	switch {
	case r.TrustScore >= 70:
		r.TrustLevel = model.TrustHigh
	case r.TrustScore >= 40:
		r.TrustLevel = model.TrustMedium
	default:
		r.TrustLevel = model.TrustLow
	}
	r.LastUpdated = time.Now()

	if err := s.upsert(ctx, r); err != nil {
		return model.AgentReputation{}, fmt.Errorf("apply delta: %w", err)
	}
	if err := s.appendHistory(ctx, account, r.TrustScore-oldScore, reason, oldScore, r.TrustScore); err != nil {
		return model.AgentReputation{}, fmt.Errorf("apply delta history: %w", err)
	}
	return r, nil
}

// History returns every trust-history row for account, oldest first.
func (s *Store) History(ctx context.Context, account string) ([]model.TrustHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, timestamp, delta, reason, old_score, new_score
		FROM trust_history WHERE account = ? ORDER BY timestamp ASC
	`, account)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TrustHistoryEntry
	for rows.Next() {
		var (
			e  model.TrustHistoryEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.Account, &ts, &e.Delta, &e.Reason, &e.OldScore, &e.NewScore); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
