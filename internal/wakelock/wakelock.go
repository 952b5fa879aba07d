// Package wakelock holds the system awake for a bounded duration.
//
// On Linux kernels built with CONFIG_PM_WAKELOCKS, writing "<name> <ns>" to
// /sys/power/wake_lock takes a wake source that the kernel releases by
// itself once the timeout expires, so callers never release explicitly.
package wakelock

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultPath = "/sys/power/wake_lock"

// WakeLock acquires a wake-hold that releases itself after d.
type WakeLock interface {
	Acquire(d time.Duration) error
}

// Sysfs is a wake lock backed by the kernel wake_lock interface.
type Sysfs struct {
	Name string
	Path string
}

func (s *Sysfs) Acquire(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("wake lock %s: non-positive duration %s", s.Name, d)
	}

	f, err := os.OpenFile(s.Path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("wake lock %s: %w", s.Name, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %d", s.Name, d.Nanoseconds()); err != nil {
		return fmt.Errorf("wake lock %s: %w", s.Name, err)
	}

	log.WithFields(log.Fields{
		"name":     s.Name,
		"duration": d,
	}).Trace("Acquired wake lock")
	return nil
}

// Noop is used where the kernel has no wake lock interface.
type Noop struct{}

func (Noop) Acquire(time.Duration) error { return nil }

// New returns a Sysfs wake lock named name when path is writable, and a
// Noop otherwise.
func New(name, path string) WakeLock {
	if path == "" {
		path = DefaultPath
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("Wake lock interface unavailable, probing without wake lock")
		return Noop{}
	}
	f.Close()

	return &Sysfs{Name: name, Path: path}
}
