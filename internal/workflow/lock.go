package workflow

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrRunInProgress is returned when another process holds the run lock.
var ErrRunInProgress = errors.New("another loom run is already using this work directory")

type runLock struct {
	lock *flock.Flock
}

func acquireLock(path string) (*runLock, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrRunInProgress, path)
	}
	return &runLock{lock: lock}, nil
}

func (l *runLock) release() {
	if l != nil && l.lock != nil {
		_ = l.lock.Unlock()
	}
}
