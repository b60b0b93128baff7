package launcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// launchState records what a launch started, so the next run's reclaim step
// can kill the previous servers even if they have moved off their ports.
type launchState struct {
	RunID       string    `json:"run_id"`
	BackendPID  int       `json:"backend_pid"`
	FrontendPID int       `json:"frontend_pid"`
	BackendLog  string    `json:"backend_log"`
	FrontendLog string    `json:"frontend_log"`
	Started     time.Time `json:"started"`
}

func (l *Launcher) statePath() string {
	return filepath.Join(l.stateDir, "launch.json")
}

func (l *Launcher) readState() (*launchState, error) {
	raw, err := os.ReadFile(l.statePath())
	if err != nil {
		return nil, err
	}
	var st launchState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parsing launch state: %w", err)
	}
	return &st, nil
}

func (l *Launcher) writeState(st launchState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling launch state: %w", err)
	}
	return os.WriteFile(l.statePath(), raw, 0o644)
}

// acquireLock takes the single-instance launch lock. Two concurrent
// launches would race on port reclaim and the installers, so the second
// fails fast with ErrAlreadyRunning.
func (l *Launcher) acquireLock() (*flock.Flock, error) {
	if err := os.MkdirAll(l.stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	lock := flock.New(filepath.Join(l.stateDir, "launch.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring launch lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return lock, nil
}
