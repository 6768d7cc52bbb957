// Package numerator issues human-readable document numbers (TRF-2026-00001).
package numerator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Generator hands out the next number for a prefix within the year of at.
// Numbers are allocated outside business transactions, so a rolled back
// document leaves a gap.
type Generator interface {
	Next(ctx context.Context, prefix string, at time.Time) (string, error)
}

// Querier is satisfied by pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Format renders PREFIX-YEAR-XXXXX.
func Format(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%05d", prefix, year, seq)
}

// Postgres keeps counters in document_sequences.
type Postgres struct {
	q Querier
}

// NewPostgres constructs a database-backed generator.
func NewPostgres(q Querier) *Postgres {
	return &Postgres{q: q}
}

// Next increments the (prefix, year) counter with an upsert.
func (p *Postgres) Next(ctx context.Context, prefix string, at time.Time) (string, error) {
	year := at.UTC().Year()
	var seq int64
	err := p.q.QueryRow(ctx, `
		INSERT INTO document_sequences (prefix, year, current_val)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, year) DO UPDATE SET current_val = document_sequences.current_val + 1
		RETURNING current_val`, prefix, year).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("numerator: next %s: %w", prefix, err)
	}
	return Format(prefix, year, seq), nil
}

// Memory is an in-process generator.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemory constructs an empty generator.
func NewMemory() *Memory {
	return &Memory{counters: make(map[string]int64)}
}

// Next increments the in-memory counter.
func (m *Memory) Next(_ context.Context, prefix string, at time.Time) (string, error) {
	year := at.UTC().Year()
	key := fmt.Sprintf("%s:%d", prefix, year)
	m.mu.Lock()
	m.counters[key]++
	seq := m.counters[key]
	m.mu.Unlock()
	return Format(prefix, year, seq), nil
}
