package power

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSchedule_Micros(t *testing.T) {
	if got := (Schedule{Duration: DefaultSleepDuration}).Micros(); got != 60_000_000 {
		t.Fatalf("Micros() = %d, want 60000000", got)
	}
	if got := (Schedule{}).Micros(); got != 0 {
		t.Fatalf("Micros() of zero schedule = %d, want 0", got)
	}
}

func TestRTCSleeper_ArmsAlarmAndSuspends(t *testing.T) {
	dir := t.TempDir()
	alarm := filepath.Join(dir, "wakealarm")
	state := filepath.Join(dir, "state")
	for _, p := range []string{alarm, state} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}

	fixed := time.Unix(1_700_000_000, 0)
	s := &RTCSleeper{
		WakeAlarmPath: alarm,
		StatePath:     state,
		now:           func() time.Time { return fixed },
	}
	if err := s.Sleep(context.Background(), time.Minute); err != nil {
		t.Fatalf("Sleep: %v", err)
	}

	gotAlarm, err := os.ReadFile(alarm)
	if err != nil {
		t.Fatalf("read alarm: %v", err)
	}
	if string(gotAlarm) != "1700000060" {
		t.Errorf("wakealarm = %q, want %q", gotAlarm, "1700000060")
	}
	gotState, err := os.ReadFile(state)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if string(gotState) != "mem" {
		t.Errorf("state = %q, want %q", gotState, "mem")
	}
}

func TestRTCSleeper_CanceledContextDoesNotSuspend(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	if err := os.WriteFile(state, nil, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &RTCSleeper{WakeAlarmPath: filepath.Join(dir, "wakealarm"), StatePath: state}
	if err := s.Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep error = %v, want context.Canceled", err)
	}
	got, _ := os.ReadFile(state)
	if len(got) != 0 {
		t.Fatalf("state written on canceled context: %q", got)
	}
}

func TestRTCSleeper_MissingAlarm(t *testing.T) {
	s := &RTCSleeper{WakeAlarmPath: filepath.Join(t.TempDir(), "missing", "wakealarm")}
	if err := s.Sleep(context.Background(), time.Second); err == nil {
		t.Fatal("Sleep error = nil, want error for missing alarm file")
	}
}

func TestProcessSleeper(t *testing.T) {
	s := &ProcessSleeper{}
	start := time.Now()
	if err := s.Sleep(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Sleep returned after %v, want >= 10ms", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep error = %v, want context.Canceled", err)
	}
}

type stubSleeper struct {
	err   error
	calls []time.Duration
}

func (s *stubSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return s.err
}

func TestFallbackSleeper(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name          string
		ctx           context.Context
		primaryErr    error
		fallbackErr   error
		wantFallbacks int
		wantErr       bool
	}{
		{name: "primary succeeds", ctx: context.Background()},
		{name: "primary fails", ctx: context.Background(), primaryErr: errors.New("suspend: device busy"), wantFallbacks: 1},
		{name: "fallback fails too", ctx: context.Background(), primaryErr: errors.New("suspend: device busy"), fallbackErr: errors.New("timer"), wantFallbacks: 1, wantErr: true},
		{name: "canceled", ctx: canceled, primaryErr: context.Canceled, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &stubSleeper{err: tt.primaryErr}
			fallback := &stubSleeper{err: tt.fallbackErr}
			s := &FallbackSleeper{Primary: primary, Fallback: fallback}

			err := s.Sleep(tt.ctx, time.Minute)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Sleep error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(fallback.calls) != tt.wantFallbacks {
				t.Fatalf("fallback calls = %v, want %d", fallback.calls, tt.wantFallbacks)
			}
			for _, d := range fallback.calls {
				if d != time.Minute {
					t.Fatalf("fallback slept %v, want 1m", d)
				}
			}
		})
	}
}

func TestFallbackSleeper_MissingRTCStillWaits(t *testing.T) {
	s := &FallbackSleeper{
		Primary:  &RTCSleeper{WakeAlarmPath: filepath.Join(t.TempDir(), "missing", "wakealarm")},
		Fallback: &ProcessSleeper{},
	}
	const d = 50 * time.Millisecond
	start := time.Now()
	if err := s.Sleep(context.Background(), d); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if elapsed := time.Since(start); elapsed < d {
		t.Fatalf("Sleep returned after %v, want >= %v", elapsed, d)
	}
}
