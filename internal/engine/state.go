package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/risk"
)

// BracketLink records which orders form a bracket, by id, so the linkage
// can be rebuilt after a restart.
type BracketLink struct {
	BracketID    string    `json:"bracket_id"`
	TradePlanID  string    `json:"trade_plan_id"`
	ParentID     string    `json:"parent_id"`
	StopLossID   string    `json:"stop_loss_id"`
	TakeProfitID string    `json:"take_profit_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// RiskSnapshot carries the portfolio-risk linkage for tracked orders:
// entries waiting on an entry fill, and the order ids whose risk is already
// registered with the tracker and must be released when the position closes.
type RiskSnapshot struct {
	Pending map[string]risk.PositionRiskEntry `json:"pending,omitempty"`
	Applied []string                          `json:"applied,omitempty"`
}

// BookSnapshot is the engine state carried across restarts: the tracked
// orders plus the bracket and risk linkage that fill accounting needs after
// recovery.
type BookSnapshot struct {
	Orders   map[string]*domain.Order
	Brackets []BracketLink
	Risk     RiskSnapshot
	Metadata map[string]any
}

// stateSnapshot is the persisted form of the order book. The field names
// are a stable file contract read back on recovery.
type stateSnapshot struct {
	Timestamp    time.Time                `json:"timestamp"`
	ActiveOrders map[string]*domain.Order `json:"active_orders"`
	Brackets     []BracketLink            `json:"brackets,omitempty"`
	Risk         RiskSnapshot             `json:"risk"`
	Metadata     map[string]any           `json:"metadata,omitempty"`
}

// StateStore persists the active order book to a JSON file with rotating
// timestamped backups in a backups/ subdirectory. Writes are atomic via
// temp file and rename.
type StateStore struct {
	mu sync.Mutex

	path           string
	backupDir      string
	maxBackups     int
	backupInterval time.Duration
	lastBackup     time.Time

	logger *slog.Logger
	now    func() time.Time
}

// NewStateStore creates a store writing to path. Backups are written next
// to it under backups/, at most maxBackups retained, and no more often
// than backupInterval unless forced.
func NewStateStore(path string, maxBackups int, backupInterval time.Duration, logger *slog.Logger) (*StateStore, error) {
	backupDir := filepath.Join(filepath.Dir(path), "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}
	if maxBackups <= 0 {
		maxBackups = 10
	}
	return &StateStore{
		path:           path,
		backupDir:      backupDir,
		maxBackups:     maxBackups,
		backupInterval: backupInterval,
		logger:         logger,
		now:            time.Now,
	}, nil
}

// Save writes the order book atomically, then takes a backup when enough
// time has passed since the last one.
func (s *StateStore) Save(book BookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := stateSnapshot{
		Timestamp:    s.now().UTC(),
		ActiveOrders: book.Orders,
		Brackets:     book.Brackets,
		Risk:         book.Risk,
		Metadata:     book.Metadata,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling order state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing order state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing order state: %w", err)
	}

	if s.backupInterval > 0 && s.now().Sub(s.lastBackup) >= s.backupInterval {
		s.backupLocked("auto")
	}
	return nil
}

// Load reads the persisted order book. A missing file returns an empty
// book; a corrupt primary falls back to the newest readable backup.
func (s *StateStore) Load() (BookSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap, ok := s.loadFrom(s.path); ok {
		return snap.book(), nil
	}

	for _, candidate := range s.backupsLocked() {
		if snap, ok := s.loadFrom(candidate); ok {
			s.logger.Warn("order state restored from backup", "path", candidate)
			return snap.book(), nil
		}
	}

	return BookSnapshot{Orders: make(map[string]*domain.Order)}, nil
}

func (snap *stateSnapshot) book() BookSnapshot {
	return BookSnapshot{
		Orders:   snap.ActiveOrders,
		Brackets: snap.Brackets,
		Risk:     snap.Risk,
		Metadata: snap.Metadata,
	}
}

func (s *StateStore) loadFrom(path string) (*stateSnapshot, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("order state unreadable", "path", path, "error", err)
		}
		return nil, false
	}

	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("order state corrupt", "path", path, "error", err)
		return nil, false
	}
	if snap.ActiveOrders == nil {
		snap.ActiveOrders = make(map[string]*domain.Order)
	}
	return &snap, true
}

// CreateBackup copies the current state file to a timestamped backup,
// bypassing the elapsed-time gate. Reason becomes part of the file name.
func (s *StateStore) CreateBackup(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupLocked(reason)
}

func (s *StateStore) backupLocked(reason string) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	name := fmt.Sprintf("order_state_%s_%s.json", s.now().UTC().Format("20060102_150405"), reason)
	dst := filepath.Join(s.backupDir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("writing backup %s: %w", dst, err)
	}

	s.lastBackup = s.now()
	s.rotateLocked()
	return nil
}

// rotateLocked removes the oldest backups past the retention count.
func (s *StateStore) rotateLocked() {
	backups := s.backupsLocked()
	if len(backups) <= s.maxBackups {
		return
	}
	for _, stale := range backups[s.maxBackups:] {
		if err := os.Remove(stale); err != nil {
			s.logger.Warn("removing stale backup failed", "path", stale, "error", err)
		}
	}
}

// backupsLocked returns backup paths, newest first.
func (s *StateStore) backupsLocked() []string {
	matches, err := filepath.Glob(filepath.Join(s.backupDir, "order_state_*.json"))
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

// StartPeriodicBackup launches a loop taking a backup every interval until
// the context is cancelled. The caller's wait group tracks the goroutine.
func (s *StateStore) StartPeriodicBackup(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.CreateBackup("periodic"); err != nil {
					s.logger.Error("periodic backup failed", "error", err)
				}
			}
		}
	}()
}

// ClearState takes a final backup and removes the primary state file.
func (s *StateStore) ClearState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backupLocked("clear"); err != nil {
		s.logger.Warn("pre-clear backup failed", "error", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing order state: %w", err)
	}
	s.logger.Warn("order state cleared", "path", s.path)
	return nil
}
