package wifi

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ICMPProber pings with raw ICMP sockets, which needs CAP_NET_RAW, or with
// unprivileged UDP echo when Privileged is false.
type ICMPProber struct {
	Count      int
	Interval   time.Duration
	Timeout    time.Duration
	Privileged bool
	Logger     *slog.Logger
}

func (p ICMPProber) Ping(ctx context.Context, addr netip.Addr) (PingSummary, error) {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		return PingSummary{}, fmt.Errorf("new pinger: %w", err)
	}
	pinger.Count = p.Count
	if pinger.Count <= 0 {
		pinger.Count = 5
	}
	if p.Interval > 0 {
		pinger.Interval = p.Interval
	}
	pinger.Timeout = p.Timeout
	if pinger.Timeout <= 0 {
		pinger.Timeout = 5 * time.Second
	}
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return PingSummary{}, fmt.Errorf("ping %s: %w", addr, err)
	}

	stats := pinger.Statistics()
	sum := PingSummary{Transmitted: stats.PacketsSent, Received: stats.PacketsRecv}
	if p.Logger != nil {
		p.Logger.Debug("wifi: ping finished", "addr", addr, "sent", sum.Transmitted, "recv", sum.Received, "avg_rtt", stats.AvgRtt)
	}
	return sum, nil
}
