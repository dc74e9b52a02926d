// Package power arms the wake timer and puts the node into low-power sleep.
package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// DefaultSleepDuration is the wake interval of one duty cycle.
const DefaultSleepDuration = 60 * time.Second

// Schedule is the fixed wake interval between two duty cycles.
type Schedule struct {
	Duration time.Duration
}

// Micros returns the interval in microseconds, the unit the wake timer takes.
func (s Schedule) Micros() uint64 {
	if s.Duration <= 0 {
		return 0
	}
	return uint64(s.Duration / time.Microsecond)
}

// Sleeper arms a wake timer for d and enters low-power sleep. It returns once
// the node is awake again, which callers treat as the start of a fresh cycle.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RTCSleeper programs the Linux RTC wake alarm and suspends the system.
type RTCSleeper struct {
	WakeAlarmPath string // default /sys/class/rtc/rtc0/wakealarm
	StatePath     string // default /sys/power/state
	State         string // default "mem"
	Logger        *slog.Logger

	now func() time.Time
}

func (s *RTCSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alarm := s.WakeAlarmPath
	if alarm == "" {
		alarm = "/sys/class/rtc/rtc0/wakealarm"
	}
	statePath := s.StatePath
	if statePath == "" {
		statePath = "/sys/power/state"
	}
	state := s.State
	if state == "" {
		state = "mem"
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	// The kernel refuses a new alarm while one is pending; clear it first.
	if err := writeSysfs(alarm, "0"); err != nil {
		return fmt.Errorf("clear wake alarm: %w", err)
	}
	wakeAt := now().Add(d)
	if err := writeSysfs(alarm, strconv.FormatInt(wakeAt.Unix(), 10)); err != nil {
		return fmt.Errorf("arm wake alarm: %w", err)
	}
	logger.Info("power: entering sleep",
		"mode", state,
		"wake_us", Schedule{Duration: d}.Micros(),
		"wake_at", wakeAt.UTC().Format(time.RFC3339),
	)

	// Blocks until the RTC alarm resumes the system.
	if err := writeSysfs(statePath, state); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	logger.Info("power: resumed")
	return nil
}

func writeSysfs(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ProcessSleeper waits in-process. Used on hosts without suspend support and
// in development.
type ProcessSleeper struct {
	Logger *slog.Logger
}

func (s *ProcessSleeper) Sleep(ctx context.Context, d time.Duration) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("power: sleeping in process", "wake_us", Schedule{Duration: d}.Micros())

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FallbackSleeper sleeps with Primary and, when Primary fails for any reason
// other than cancellation, waits out the same interval with Fallback. A node
// whose suspend path is broken still keeps its wake interval.
type FallbackSleeper struct {
	Primary  Sleeper
	Fallback Sleeper
	Logger   *slog.Logger
}

func (s *FallbackSleeper) Sleep(ctx context.Context, d time.Duration) error {
	err := s.Primary.Sleep(ctx, d)
	if err == nil || ctx.Err() != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("power: sleep failed, waiting in process instead", "error", err)
	if ferr := s.Fallback.Sleep(ctx, d); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}
