package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// SharedBudget extends Budget with cross-process bucket-state sharing
// through a single JSON state file. Every TryConsume is one
// lock → read → mutate → write → unlock transaction under an exclusive
// advisory lock; when the file cannot be opened or locked the call falls
// back to in-memory-only semantics and logs a warning.
//
// The lock is taken on a sibling ".lock" file so the state file itself can
// be replaced atomically (write-temp-then-rename) without invalidating the
// lock inode. Cross-process fairness is whatever the OS lock queue gives.
type SharedBudget struct {
	*Budget
	stateFile string
	lock      *flock.Flock
	logger    *slog.Logger
}

// NewSharedBudget creates a shared budget persisting to stateFile. The
// parent directory is created if absent.
func NewSharedBudget(stateFile string, overrides map[string]BucketSpec, priority PriorityTable, logger *slog.Logger) (*SharedBudget, error) {
	if err := os.MkdirAll(filepath.Dir(stateFile), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &SharedBudget{
		Budget:    NewBudget(overrides, priority),
		stateFile: stateFile,
		lock:      flock.New(stateFile + ".lock"),
		logger:    logger.With("component", "shared_budget"),
	}, nil
}

// TryConsume performs the file-locked consume transaction.
func (sb *SharedBudget) TryConsume(class string, cost float64, strategyID string) error {
	if err := sb.lock.Lock(); err != nil {
		// Degraded single-process semantics.
		sb.logger.Warn("state file lock failed, using in-memory budget",
			"file", sb.stateFile, "error", err)
		return sb.Budget.TryConsume(class, cost, strategyID)
	}
	defer func() {
		if err := sb.lock.Unlock(); err != nil {
			sb.logger.Warn("state file unlock failed", "error", err)
		}
	}()

	sb.loadLocked()
	consumeErr := sb.Budget.TryConsume(class, cost, strategyID)
	if err := sb.saveLocked(); err != nil {
		sb.logger.Warn("state file write failed", "error", err)
	}
	return consumeErr
}

// Do runs fn under the shared class budget.
func (sb *SharedBudget) Do(class, strategyID string, fn func() error) error {
	if err := sb.TryConsume(class, 1, strategyID); err != nil {
		return err
	}
	return fn()
}

// loadLocked overlays on-disk bucket state onto the in-memory buckets.
// A missing or corrupt file leaves in-memory state untouched.
func (sb *SharedBudget) loadLocked() {
	data, err := os.ReadFile(sb.stateFile)
	if err != nil {
		return
	}
	var state map[string]bucketState
	if err := json.Unmarshal(data, &state); err != nil {
		sb.logger.Warn("corrupt budget state file, ignoring", "file", sb.stateFile, "error", err)
		return
	}
	for class, s := range state {
		if b, ok := sb.buckets[class]; ok {
			b.restore(s)
		}
	}
}

// saveLocked writes all bucket states atomically (temp file + rename).
func (sb *SharedBudget) saveLocked() error {
	state := make(map[string]bucketState, len(sb.buckets))
	for class, b := range sb.buckets {
		state[class] = b.snapshot()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := sb.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, sb.stateFile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
