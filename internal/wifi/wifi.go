// Package wifi brings the node's wireless link up for one duty cycle.
//
// A Connector drives a Radio through scan, configuration and link wait, then
// confirms the gateway answers ICMP before handing out a Link. Every step is
// observable through ConnectionState, whose phases are:
//
//	Idle → Scanning → Configuring → AwaitingLink → Connected | Failed
package wifi

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"cloudpico-node/internal/errcode"
)

const (
	ErrScanFailed         errcode.Code = "wifi_scan_failed"
	ErrConfigureFailed    errcode.Code = "wifi_configure_failed"
	ErrTimeout            errcode.Code = "wifi_timeout"
	ErrUnexpectedStatus   errcode.Code = "wifi_unexpected_status"
	ErrGatewayUnreachable errcode.Code = "wifi_gateway_unreachable"
)

// DefaultAPChannel is used for the fallback access point when the scan gave
// no channel for the target network.
const DefaultAPChannel uint8 = 1

// Credentials identify the network to join.
type Credentials struct {
	SSID       string
	Passphrase string
}

// AccessPoint is one scan result.
type AccessPoint struct {
	SSID     string
	Channel  uint8
	Strength uint8
}

// ChannelHint is an optional radio channel. The zero value lets the stack pick.
type ChannelHint struct {
	Channel uint8
	Known   bool
}

// Or returns the hinted channel, or fallback when none is known.
func (h ChannelHint) Or(fallback uint8) uint8 {
	if h.Known {
		return h.Channel
	}
	return fallback
}

func (h ChannelHint) String() string {
	if !h.Known {
		return "auto"
	}
	return fmt.Sprintf("%d", h.Channel)
}

// DeriveChannelHint returns the channel of the first scan result whose SSID
// equals ssid.
func DeriveChannelHint(aps []AccessPoint, ssid string) ChannelHint {
	for _, ap := range aps {
		if ap.SSID == ssid {
			return ChannelHint{Channel: ap.Channel, Known: true}
		}
	}
	return ChannelHint{}
}

// ClientProfile configures the station role.
type ClientProfile struct {
	SSID       string
	Passphrase string
	Channel    ChannelHint
}

// AccessPointProfile configures the fallback access-point role.
type AccessPointProfile struct {
	SSID    string
	Channel uint8
}

// Configuration is applied to the radio in one step. A non-nil AccessPoint
// puts the radio in dual (client + access point) mode.
type Configuration struct {
	Client      ClientProfile
	AccessPoint *AccessPointProfile
}

type ClientState int

const (
	ClientStopped ClientState = iota
	ClientStarting
	ClientDisconnected
	ClientConnecting
	ClientObtainingIP
	ClientConnected
)

var clientStateNames = [...]string{"stopped", "starting", "disconnected", "connecting", "obtaining_ip", "connected"}

func (s ClientState) String() string {
	if int(s) < len(clientStateNames) {
		return clientStateNames[s]
	}
	return fmt.Sprintf("client_state(%d)", int(s))
}

type APState int

const (
	APStopped APState = iota
	APStarting
	APStarted
)

var apStateNames = [...]string{"stopped", "starting", "started"}

func (s APState) String() string {
	if int(s) < len(apStateNames) {
		return apStateNames[s]
	}
	return fmt.Sprintf("ap_state(%d)", int(s))
}

// IPSettings are the addresses assigned to the client interface.
type IPSettings struct {
	LocalIP netip.Addr
	Gateway netip.Addr
}

// Status is the radio's view of both roles.
type Status struct {
	Client ClientState
	IP     IPSettings
	AP     APState
}

// Transitional reports whether either role is still changing state.
func (s Status) Transitional() bool {
	switch s.Client {
	case ClientStarting, ClientConnecting, ClientObtainingIP:
		return true
	}
	return s.AP == APStarting
}

func (s Status) String() string {
	return fmt.Sprintf("client=%s ip=%s gw=%s ap=%s", s.Client, s.IP.LocalIP, s.IP.Gateway, s.AP)
}

// Radio is the wireless stack the connector drives.
type Radio interface {
	Scan(ctx context.Context) ([]AccessPoint, error)
	Configure(ctx context.Context, cfg Configuration) error
	Status(ctx context.Context) (Status, error)
	Stop(ctx context.Context) error
}

// PingSummary counts the probes of one burst.
type PingSummary struct {
	Transmitted int
	Received    int
}

// Prober sends a fixed burst of echo requests to addr.
type Prober interface {
	Ping(ctx context.Context, addr netip.Addr) (PingSummary, error)
}

// StatusError carries the radio status that was rejected.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string { return "status " + e.Status.String() }

// UnreachableError carries the gateway that did not answer every probe.
type UnreachableError struct {
	Gateway netip.Addr
	Summary PingSummary
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("gateway %s answered %d of %d probes", e.Gateway, e.Summary.Received, e.Summary.Transmitted)
}

// LinkInfo describes an established link.
type LinkInfo struct {
	SSID    string
	Channel ChannelHint
	LocalIP netip.Addr
	Gateway netip.Addr
}

// Link is an established connection. Close releases the radio.
type Link struct {
	Info LinkInfo

	once    sync.Once
	release func(context.Context) error
	err     error
}

// NewLink returns a Link whose Close calls release exactly once.
func NewLink(info LinkInfo, release func(context.Context) error) *Link {
	return &Link{Info: info, release: release}
}

func (l *Link) Close(ctx context.Context) error {
	l.once.Do(func() {
		if l.release != nil {
			l.err = l.release(ctx)
		}
	})
	return l.err
}
