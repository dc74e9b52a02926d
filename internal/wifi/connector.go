package wifi

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"cloudpico-node/internal/errcode"
)

// Phase is a step of the connection state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseConfiguring
	PhaseAwaitingLink
	PhaseConnected
	PhaseFailed
)

var phaseNames = [...]string{"idle", "scanning", "configuring", "awaiting_link", "connected", "failed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether p ends the state machine.
func (p Phase) Terminal() bool { return p == PhaseConnected || p == PhaseFailed }

// ConnectionState is the current phase plus the data of terminal phases.
type ConnectionState struct {
	Phase   Phase
	LocalIP netip.Addr // set when Connected
	Gateway netip.Addr // set when Connected
	Reason  error      // set when Failed
}

// Options tune the connector. Zero values take the defaults below.
type Options struct {
	// AccessPoint, when set, is applied alongside the client profile. Its
	// Channel is ignored in favour of the scan hint or DefaultAPChannel.
	AccessPoint *AccessPointProfile
	// FallbackChannel replaces DefaultAPChannel for the access point.
	FallbackChannel uint8
	// PollInterval is the wait between two status reads. Default 100ms.
	PollInterval time.Duration
	// OnTransition is called synchronously on every phase change.
	OnTransition func(from, to ConnectionState)
}

type Connector struct {
	radio  Radio
	prober Prober
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state ConnectionState
}

func NewConnector(radio Radio, prober Prober, opts Options, logger *slog.Logger) *Connector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.FallbackChannel == 0 {
		opts.FallbackChannel = DefaultAPChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{radio: radio, prober: prober, opts: opts, logger: logger}
}

// State returns a copy of the current connection state.
func (c *Connector) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) transition(to ConnectionState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	attrs := []any{"from", from.Phase.String(), "to", to.Phase.String()}
	if to.Reason != nil {
		attrs = append(attrs, "reason", to.Reason)
	}
	c.logger.Debug("wifi: transition", attrs...)
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(from, to)
	}
}

// BuildConfiguration combines the client profile with the optional access
// point profile. The access point uses the hinted channel when known.
func BuildConfiguration(creds Credentials, hint ChannelHint, ap *AccessPointProfile, fallback uint8) Configuration {
	cfg := Configuration{
		Client: ClientProfile{SSID: creds.SSID, Passphrase: creds.Passphrase, Channel: hint},
	}
	if ap != nil {
		cfg.AccessPoint = &AccessPointProfile{SSID: ap.SSID, Channel: hint.Or(fallback)}
	}
	return cfg
}

// Connect runs the state machine from Idle to a terminal phase. On failure
// after configuration the radio is stopped before returning.
func (c *Connector) Connect(ctx context.Context, creds Credentials, timeout time.Duration) (*Link, error) {
	c.transition(ConnectionState{Phase: PhaseIdle})

	fail := func(err error) (*Link, error) {
		c.transition(ConnectionState{Phase: PhaseFailed, Reason: err})
		return nil, err
	}

	c.transition(ConnectionState{Phase: PhaseScanning})
	c.logger.Info("wifi: scanning")
	aps, err := c.radio.Scan(ctx)
	if err != nil {
		return fail(errcode.New(ErrScanFailed, "wifi.scan", err))
	}

	hint := DeriveChannelHint(aps, creds.SSID)
	if hint.Known {
		c.logger.Info("wifi: found configured access point", "ssid", creds.SSID, "channel", hint.Channel)
	} else {
		c.logger.Info("wifi: configured access point not found, using unknown channel", "ssid", creds.SSID, "scanned", len(aps))
	}

	c.transition(ConnectionState{Phase: PhaseConfiguring})
	cfg := BuildConfiguration(creds, hint, c.opts.AccessPoint, c.opts.FallbackChannel)
	if err := c.radio.Configure(ctx, cfg); err != nil {
		c.stopRadio(ctx)
		return fail(errcode.New(ErrConfigureFailed, "wifi.configure", err))
	}

	c.transition(ConnectionState{Phase: PhaseAwaitingLink})
	status, err := c.awaitStatus(ctx, timeout)
	if err != nil {
		c.stopRadio(ctx)
		return fail(err)
	}

	if !c.accepted(status) {
		c.stopRadio(ctx)
		return fail(errcode.New(ErrUnexpectedStatus, "wifi.status", &StatusError{Status: status}))
	}
	c.logger.Info("wifi: associated", "local_ip", status.IP.LocalIP, "gateway", status.IP.Gateway)

	if err := c.verifyGateway(ctx, status.IP.Gateway); err != nil {
		c.stopRadio(ctx)
		return fail(err)
	}

	c.transition(ConnectionState{Phase: PhaseConnected, LocalIP: status.IP.LocalIP, Gateway: status.IP.Gateway})
	c.logger.Info("wifi: connected", "ssid", creds.SSID, "local_ip", status.IP.LocalIP)

	info := LinkInfo{SSID: creds.SSID, Channel: hint, LocalIP: status.IP.LocalIP, Gateway: status.IP.Gateway}
	return NewLink(info, func(ctx context.Context) error {
		c.transition(ConnectionState{Phase: PhaseIdle})
		return c.radio.Stop(ctx)
	}), nil
}

// awaitStatus polls until the status is no longer transitional or timeout
// elapses.
func (c *Connector) awaitStatus(ctx context.Context, timeout time.Duration) (Status, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	var last Status
	for {
		st, err := c.radio.Status(ctx)
		if err != nil {
			return Status{}, errcode.New(ErrUnexpectedStatus, "wifi.status", err)
		}
		if !st.Transitional() {
			return st, nil
		}
		if st != last {
			c.logger.Debug("wifi: waiting for link", "status", st.String())
			last = st
		}

		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-deadline.C:
			return Status{}, errcode.Newf(ErrTimeout, "wifi.await_link",
				fmt.Sprintf("still %s after %v", st, timeout))
		case <-ticker.C:
		}
	}
}

func (c *Connector) accepted(st Status) bool {
	if st.Client != ClientConnected || !st.IP.LocalIP.IsValid() || !st.IP.Gateway.IsValid() {
		return false
	}
	if c.opts.AccessPoint != nil && st.AP != APStarted {
		return false
	}
	return true
}

func (c *Connector) verifyGateway(ctx context.Context, gw netip.Addr) error {
	c.logger.Debug("wifi: pinging gateway", "gateway", gw)
	sum, err := c.prober.Ping(ctx, gw)
	if err != nil {
		return errcode.New(ErrGatewayUnreachable, "wifi.ping", fmt.Errorf("%w: %w", &UnreachableError{Gateway: gw, Summary: sum}, err))
	}
	if sum.Transmitted == 0 || sum.Transmitted != sum.Received {
		return errcode.New(ErrGatewayUnreachable, "wifi.ping", &UnreachableError{Gateway: gw, Summary: sum})
	}
	c.logger.Debug("wifi: gateway reachable", "gateway", gw, "probes", sum.Received)
	return nil
}

func (c *Connector) stopRadio(ctx context.Context) {
	if err := c.radio.Stop(ctx); err != nil {
		c.logger.Warn("wifi: stop radio after failure", "error", err)
	}
}
