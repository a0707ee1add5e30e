// Package storage persists the bot's ledger to a JSON file. Every mutation
// rewrites the file through a temp-file rename so a crash mid-write never
// leaves a torn ledger. The ledger is the restart story: on boot the engine
// reloads it and resumes the cycle where it left off.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finchtrading/straddleharvest/internal/models"
)

// ErrNoOpenCycle indicates a close was requested with nothing open.
var ErrNoOpenCycle = errors.New("no open cycle in ledger")

// CycleRecord is one completed cycle in the ledger history. Money fields use
// decimals so the ledger sums exactly across many cycles.
type CycleRecord struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         time.Time       `json:"closed_at"`
	Outcome          string          `json:"outcome"` // exit_conditions | roll_rejected | emergency | entry_aborted | unhedged
	PremiumCollected decimal.Decimal `json:"premium_collected"`
	StraddleCost     decimal.Decimal `json:"straddle_cost"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	RollCount        int             `json:"roll_count"`
	RecenterCount    int             `json:"recenter_count"`
}

// Ledger is the full persisted state.
type Ledger struct {
	CycleState   string                    `json:"cycle_state"`
	Straddle     *models.StraddlePosition  `json:"straddle,omitempty"`
	Strangle     *models.StranglePosition  `json:"strangle,omitempty"`
	CycleMetrics models.CycleMetrics       `json:"cycle_metrics"`
	Lifetime     models.LifetimeStats      `json:"lifetime"`
	History      []CycleRecord             `json:"history"`
	// Halted persists a circuit-breaker trip across restarts; a halted bot
	// must not resume trading just because its process bounced.
	Halted      bool      `json:"halted"`
	HaltReason  string    `json:"halt_reason,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Store is the persistence collaborator consumed by the engine.
type Store interface {
	// Snapshot returns a deep copy of the ledger.
	Snapshot() Ledger
	// Update applies fn to the ledger under the write lock and persists.
	Update(fn func(*Ledger)) error
	// CloseCycle archives the open cycle into history, folds its metrics
	// into the lifetime stats, and clears the open positions.
	CloseCycle(rec CycleRecord) error
}

// JSONStore is the file-backed Store.
type JSONStore struct {
	mu     sync.RWMutex
	path   string
	ledger Ledger
	nowFn  func() time.Time
}

// Compile-time interface compliance check.
var _ Store = (*JSONStore)(nil)

// NewJSONStore opens (or creates) the ledger at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path:  path,
		nowFn: time.Now,
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading ledger %s: %w", path, err)
		}
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	return s, nil
}

// SetNowFunc overrides the clock for tests.
func (s *JSONStore) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.ledger)
}

// save must be called with the write lock held.
func (s *JSONStore) save() error {
	s.ledger.LastUpdated = s.nowFn()
	data, err := json.MarshalIndent(&s.ledger, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Snapshot implements Store.
func (s *JSONStore) Snapshot() Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.ledger
	if s.ledger.Straddle != nil {
		cp := *s.ledger.Straddle
		out.Straddle = &cp
	}
	if s.ledger.Strangle != nil {
		cp := *s.ledger.Strangle
		out.Strangle = &cp
	}
	out.History = make([]CycleRecord, len(s.ledger.History))
	copy(out.History, s.ledger.History)
	return out
}

// Update implements Store.
func (s *JSONStore) Update(fn func(*Ledger)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.ledger)
	return s.save()
}

// CloseCycle implements Store.
func (s *JSONStore) CloseCycle(rec CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger.Straddle == nil && s.ledger.Strangle == nil {
		return ErrNoOpenCycle
	}

	s.ledger.History = append(s.ledger.History, rec)
	s.ledger.Lifetime.MergeCycle(s.ledger.CycleMetrics)
	s.ledger.CycleMetrics = models.NewCycleMetrics()
	s.ledger.Straddle = nil
	s.ledger.Strangle = nil
	s.ledger.CycleState = string(models.StateIdle)
	return s.save()
}
