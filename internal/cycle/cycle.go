// Package cycle runs one duty cycle of the node: bring the link up, take a
// measurement, show it, publish it, release everything and sleep.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloudpico-node/internal/errcode"
	"cloudpico-node/internal/outbox"
	"cloudpico-node/internal/power"
	"cloudpico-node/internal/types"
	"cloudpico-node/internal/wifi"

	"github.com/cenkalti/backoff/v4"
)

type Phase int

const (
	PhaseInit Phase = iota
	PhaseConnecting
	PhaseSensing
	PhasePresenting
	PhasePublishing
	PhaseSleeping
)

var phaseNames = [...]string{"init", "connecting", "sensing", "presenting", "publishing", "sleeping"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrPanicked marks a cycle aborted by a panicking collaborator.
const ErrPanicked errcode.Code = "cycle_panicked"

// Class tells the caller what to do about a cycle's failure.
type Class int

const (
	ClassNone Class = iota
	ClassRetryNextCycle
	ClassShutdown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryNextCycle:
		return "retry_next_cycle"
	case ClassShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps a cycle error to its class. Every component failure is
// retried on the next wake-up; only cancellation stops the node.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled):
		return ClassShutdown
	default:
		return ClassRetryNextCycle
	}
}

type Sensor interface {
	Init(ctx context.Context) error
	Read(ctx context.Context) (types.Measurement, error)
}

type Display interface {
	Init(ctx context.Context) error
	Present(m types.Measurement) error
}

type Network interface {
	Connect(ctx context.Context, creds wifi.Credentials, timeout time.Duration) (*wifi.Link, error)
}

type Publisher interface {
	PublishMeasurement(ctx context.Context, m types.Measurement) error
	Close() error
}

// Broker opens a publishing session.
type Broker func(ctx context.Context) (Publisher, error)

type Config struct {
	Credentials    wifi.Credentials
	ConnectTimeout time.Duration
	Schedule       power.Schedule
	Retry          RetryPolicy
	// ReplayLimit caps the backlog entries replayed per cycle. Default 20.
	ReplayLimit int
	// TeardownTimeout bounds closing the session and link. Default 5s.
	TeardownTimeout time.Duration
}

// Deps are the collaborators of a cycle. Outbox is optional.
type Deps struct {
	Sensor  Sensor
	Display Display
	Network Network
	Broker  Broker
	Sleeper power.Sleeper
	Outbox  outbox.Store
}

// Result describes one finished cycle.
type Result struct {
	// Phase is the phase that failed, or PhaseSleeping when all succeeded.
	Phase       Phase
	Err         error
	Class       Class
	Measurement types.Measurement
	Published   bool
	Replayed    int
	Buffered    bool
	TeardownErr error
	SleepErr    error
}

type Controller struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	phase  Phase

	// OnPhase, when set, is called as each phase starts.
	OnPhase func(Phase)
}

func NewController(cfg Config, deps Deps, logger *slog.Logger) *Controller {
	if cfg.Schedule.Duration <= 0 {
		cfg.Schedule.Duration = power.DefaultSleepDuration
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 20
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg, deps: deps, logger: logger}
}

// resources are what a cycle opened and must release before sleeping.
type resources struct {
	link *wifi.Link
	pub  Publisher
}

// Run executes one cycle. Whatever phase fails, and even if a collaborator
// panics, the session and link are released and the sleeper is called exactly
// once before Run returns.
func (c *Controller) Run(ctx context.Context) (result Result) {
	started := time.Now()
	var res resources

	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Phase: c.phase,
				Err:   errcode.New(ErrPanicked, "cycle."+c.phase.String(), fmt.Errorf("%v", r)),
			}
		}
		result.Class = Classify(result.Err)
		if result.Err != nil {
			c.logger.Error("cycle: phase failed", "phase", result.Phase.String(), "class", result.Class.String(), "error", result.Err)
		}

		result.TeardownErr = c.release(ctx, &res)
		if result.TeardownErr != nil {
			c.logger.Warn("cycle: teardown", "error", result.TeardownErr)
		}

		c.enter(PhaseSleeping)
		c.logger.Info("cycle: done", "elapsed", time.Since(started), "published", result.Published,
			"replayed", result.Replayed, "buffered", result.Buffered)
		result.SleepErr = c.deps.Sleeper.Sleep(ctx, c.cfg.Schedule.Duration)
	}()

	return c.runPhases(ctx, &res)
}

func (c *Controller) runPhases(ctx context.Context, res *resources) Result {
	fail := func(p Phase, err error) Result { return Result{Phase: p, Err: err} }

	c.enter(PhaseInit)
	if err := c.deps.Sensor.Init(ctx); err != nil {
		return fail(PhaseInit, err)
	}
	if err := c.deps.Display.Init(ctx); err != nil {
		return fail(PhaseInit, err)
	}

	c.enter(PhaseConnecting)
	err := c.cfg.Retry.Do(ctx, func() error {
		link, err := c.deps.Network.Connect(ctx, c.cfg.Credentials, c.cfg.ConnectTimeout)
		if err != nil {
			return permanentIfDone(ctx, err)
		}
		res.link = link
		return nil
	}, c.notifyRetry(PhaseConnecting))
	if err != nil {
		return fail(PhaseConnecting, err)
	}

	c.enter(PhaseSensing)
	m, err := c.deps.Sensor.Read(ctx)
	if err != nil {
		return fail(PhaseSensing, err)
	}

	c.enter(PhasePresenting)
	if err := c.deps.Display.Present(m); err != nil {
		r := fail(PhasePresenting, err)
		r.Measurement = m
		return r
	}

	c.enter(PhasePublishing)
	replayed, err := c.publish(ctx, res, m)
	r := Result{Phase: PhaseSleeping, Measurement: m, Replayed: replayed, Published: err == nil}
	if err != nil {
		r.Phase = PhasePublishing
		r.Err = err
		r.Buffered = c.buffer(ctx, m)
	}
	return r
}

// publish replays the outbox backlog oldest first and then publishes m. A
// failed attempt drops the session so the next attempt opens a fresh one.
func (c *Controller) publish(ctx context.Context, res *resources, m types.Measurement) (int, error) {
	replayed := 0
	err := c.cfg.Retry.Do(ctx, func() error {
		if res.pub == nil {
			pub, err := c.deps.Broker(ctx)
			if err != nil {
				return permanentIfDone(ctx, err)
			}
			res.pub = pub
		}

		n, err := c.replay(ctx, res.pub)
		replayed += n
		if err == nil {
			err = res.pub.PublishMeasurement(ctx, m)
		}
		if err != nil {
			if cerr := res.pub.Close(); cerr != nil {
				c.logger.Warn("cycle: close failed session", "error", cerr)
			}
			res.pub = nil
			return permanentIfDone(ctx, err)
		}
		return nil
	}, c.notifyRetry(PhasePublishing))
	return replayed, err
}

func (c *Controller) replay(ctx context.Context, pub Publisher) (int, error) {
	if c.deps.Outbox == nil {
		return 0, nil
	}
	entries, err := c.deps.Outbox.Pending(ctx, c.cfg.ReplayLimit)
	if err != nil {
		c.logger.Warn("cycle: read outbox", "error", err)
		return 0, nil
	}

	done := 0
	for _, e := range entries {
		if err := pub.PublishMeasurement(ctx, e.Measurement); err != nil {
			if merr := c.deps.Outbox.MarkAttempt(ctx, e.ID); merr != nil {
				c.logger.Warn("cycle: mark outbox attempt", "id", e.ID, "error", merr)
			}
			return done, fmt.Errorf("replay entry %d: %w", e.ID, err)
		}
		if err := c.deps.Outbox.Delete(ctx, e.ID); err != nil {
			c.logger.Warn("cycle: delete replayed entry", "id", e.ID, "error", err)
		}
		done++
	}
	if done > 0 {
		c.logger.Info("cycle: outbox replayed", "entries", done)
	}
	return done, nil
}

func (c *Controller) buffer(ctx context.Context, m types.Measurement) bool {
	if c.deps.Outbox == nil {
		return false
	}
	// The cycle context may already be cancelled; the measurement is still kept.
	if err := c.deps.Outbox.Enqueue(context.WithoutCancel(ctx), m); err != nil {
		c.logger.Error("cycle: buffer measurement", "error", err)
		return false
	}
	c.logger.Info("cycle: measurement buffered for next cycle")
	return true
}

func (c *Controller) release(ctx context.Context, res *resources) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
	defer cancel()

	var errs []error
	if res.pub != nil {
		if err := res.pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		res.pub = nil
	}
	if res.link != nil {
		if err := res.link.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close link: %w", err))
		}
		res.link = nil
	}
	return errors.Join(errs...)
}

func (c *Controller) enter(p Phase) {
	c.phase = p
	c.logger.Debug("cycle: phase", "phase", p.String())
	if c.OnPhase != nil {
		c.OnPhase(p)
	}
}

func (c *Controller) notifyRetry(p Phase) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("cycle: attempt failed, retrying", "phase", p.String(), "attempt", attempt, "wait", wait, "error", err)
	}
}

func permanentIfDone(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	return err
}
