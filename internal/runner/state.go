package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrAlreadyRunning means another live runner holds this data root.
var ErrAlreadyRunning = errors.New("runner already running")

// State is runner.state.json: enough for a newer runner (or an operator)
// to find and displace this one.
type State struct {
	PID         int    `json:"pid"`
	Version     string `json:"version"`
	ControlPort int    `json:"controlPort"`
	StartedAt   int64  `json:"startedAt"`
}

func statePath(home string) string {
	return filepath.Join(home, "runner.state.json")
}

func lockPath(home string) string {
	return filepath.Join(home, "runner.lock")
}

// StateFile owns the state file and its lock for one runner process.
type StateFile struct {
	home string
	lock *os.File
}

// AcquireState takes the runner lock and writes the state file. A second
// runner on the same data root gets ErrAlreadyRunning; a stale state file
// left by SIGKILL (lock holder dead) is garbage-collected.
func AcquireState(home string, state State) (*StateFile, error) {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, err
	}

	lock, err := os.OpenFile(lockPath(home), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lock.Close()
		if prev, readErr := ReadState(home); readErr == nil {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, prev.PID)
		}
		return nil, ErrAlreadyRunning
	}

	if state.StartedAt == 0 {
		state.StartedAt = time.Now().UnixMilli()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		lock.Close()
		return nil, err
	}
	if err := os.WriteFile(statePath(home), data, 0o600); err != nil {
		lock.Close()
		return nil, err
	}
	return &StateFile{home: home, lock: lock}, nil
}

// ReadState reads another runner's state file.
func ReadState(home string) (*State, error) {
	data, err := os.ReadFile(statePath(home))
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Update rewrites the state file while keeping the lock, e.g. once the
// control port is known.
func (s *StateFile) Update(state State) error {
	if state.StartedAt == 0 {
		state.StartedAt = time.Now().UnixMilli()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(statePath(s.home), data, 0o600)
}

// Release deletes the state file and drops the lock. Part of graceful
// shutdown; after SIGKILL the next runner's AcquireState cleans up instead.
func (s *StateFile) Release() error {
	err := os.Remove(statePath(s.home))
	if unlockErr := syscall.Flock(int(s.lock.Fd()), syscall.LOCK_UN); unlockErr != nil && err == nil {
		err = unlockErr
	}
	if closeErr := s.lock.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
