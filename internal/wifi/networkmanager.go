package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	nmDest          = "org.freedesktop.NetworkManager"
	nmPath          = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface         = "org.freedesktop.NetworkManager"
	nmDeviceIface   = "org.freedesktop.NetworkManager.Device"
	nmWirelessIface = "org.freedesktop.NetworkManager.Device.Wireless"
	nmAPIface       = "org.freedesktop.NetworkManager.AccessPoint"
	nmIP4Iface      = "org.freedesktop.NetworkManager.IP4Config"
)

// NMDeviceState values, see NetworkManager's nm-dbus-interface.h.
const (
	nmDeviceUnknown      uint32 = 0
	nmDeviceUnmanaged    uint32 = 10
	nmDeviceUnavailable  uint32 = 20
	nmDeviceDisconnected uint32 = 30
	nmDevicePrepare      uint32 = 40
	nmDeviceConfig       uint32 = 50
	nmDeviceNeedAuth     uint32 = 60
	nmDeviceIPConfig     uint32 = 70
	nmDeviceIPCheck      uint32 = 80
	nmDeviceSecondaries  uint32 = 90
	nmDeviceActivated    uint32 = 100
	nmDeviceDeactivating uint32 = 110
	nmDeviceFailed       uint32 = 120
)

// NetworkManager drives a wireless device through NetworkManager's D-Bus API.
// The client role runs on ClientIface and the access point role on APIface.
// Connections are added as volatile, so NetworkManager forgets them once
// they are deactivated.
type NetworkManager struct {
	dial        func() (*dbus.Conn, error)
	conn        *dbus.Conn
	clientIface string
	apIface     string
	scanWait    time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	active []dbus.ObjectPath
	apUsed bool
}

// NewNetworkManager returns a Radio that connects to the bus through dial on
// first use, so a missing bus fails the cycle rather than startup.
// dbus.SystemBus is the usual dial.
func NewNetworkManager(dial func() (*dbus.Conn, error), clientIface, apIface string, logger *slog.Logger) *NetworkManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkManager{
		dial:        dial,
		clientIface: clientIface,
		apIface:     apIface,
		scanWait:    5 * time.Second,
		logger:      logger,
	}
}

func (n *NetworkManager) root() dbus.BusObject { return n.conn.Object(nmDest, nmPath) }

func (n *NetworkManager) connect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil && n.conn.Connected() {
		return nil
	}
	conn, err := n.dial()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	n.conn = conn
	return nil
}

func (n *NetworkManager) device(ctx context.Context, iface string) (dbus.ObjectPath, error) {
	if err := n.connect(); err != nil {
		return "", err
	}
	var path dbus.ObjectPath
	if err := n.root().CallWithContext(ctx, nmIface+".GetDeviceByIpIface", 0, iface).Store(&path); err != nil {
		return "", fmt.Errorf("lookup device %s: %w", iface, err)
	}
	return path, nil
}

// Scan requests a fresh scan, waits for it to land and lists the visible
// access points. A refused scan request falls back to the cached list.
func (n *NetworkManager) Scan(ctx context.Context) ([]AccessPoint, error) {
	devPath, err := n.device(ctx, n.clientIface)
	if err != nil {
		return nil, err
	}
	dev := n.conn.Object(nmDest, devPath)

	before := n.lastScan(dev)
	if err := dev.CallWithContext(ctx, nmWirelessIface+".RequestScan", 0, map[string]dbus.Variant{}).Err; err != nil {
		n.logger.Warn("wifi: scan request refused, using cached results", "error", err)
	} else if err := n.waitScan(ctx, dev, before); err != nil {
		return nil, err
	}

	var paths []dbus.ObjectPath
	if err := dev.CallWithContext(ctx, nmWirelessIface+".GetAllAccessPoints", 0).Store(&paths); err != nil {
		return nil, fmt.Errorf("list access points: %w", err)
	}

	aps := make([]AccessPoint, 0, len(paths))
	for _, p := range paths {
		ap, err := n.accessPoint(p)
		if err != nil {
			n.logger.Debug("wifi: skip access point", "path", p, "error", err)
			continue
		}
		aps = append(aps, ap)
	}
	n.logger.Debug("wifi: scan finished", "count", len(aps))
	return aps, nil
}

func (n *NetworkManager) lastScan(dev dbus.BusObject) int64 {
	v, err := dev.GetProperty(nmWirelessIface + ".LastScan")
	if err != nil {
		return 0
	}
	ts, _ := v.Value().(int64)
	return ts
}

func (n *NetworkManager) waitScan(ctx context.Context, dev dbus.BusObject, before int64) error {
	ctx, cancel := context.WithTimeout(ctx, n.scanWait)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// NetworkManager keeps the previous results around.
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if n.lastScan(dev) != before {
				return nil
			}
		}
	}
}

func (n *NetworkManager) accessPoint(path dbus.ObjectPath) (AccessPoint, error) {
	obj := n.conn.Object(nmDest, path)
	ssid, err := obj.GetProperty(nmAPIface + ".Ssid")
	if err != nil {
		return AccessPoint{}, err
	}
	freq, err := obj.GetProperty(nmAPIface + ".Frequency")
	if err != nil {
		return AccessPoint{}, err
	}
	ap := AccessPoint{}
	if b, ok := ssid.Value().([]byte); ok {
		ap.SSID = string(b)
	}
	if f, ok := freq.Value().(uint32); ok {
		ap.Channel = frequencyToChannel(f)
	}
	if s, err := obj.GetProperty(nmAPIface + ".Strength"); err == nil {
		ap.Strength, _ = s.Value().(byte)
	}
	return ap, nil
}

// Configure activates the client profile and, when present, the access
// point profile.
func (n *NetworkManager) Configure(ctx context.Context, cfg Configuration) error {
	clientDev, err := n.device(ctx, n.clientIface)
	if err != nil {
		return err
	}
	if err := n.activate(ctx, clientSettings(cfg.Client, n.clientIface), clientDev); err != nil {
		return fmt.Errorf("activate client: %w", err)
	}

	n.mu.Lock()
	n.apUsed = cfg.AccessPoint != nil
	n.mu.Unlock()
	if cfg.AccessPoint == nil {
		return nil
	}

	apDev, err := n.device(ctx, n.apIface)
	if err != nil {
		return err
	}
	if err := n.activate(ctx, accessPointSettings(*cfg.AccessPoint, n.apIface), apDev); err != nil {
		return fmt.Errorf("activate access point: %w", err)
	}
	return nil
}

func (n *NetworkManager) activate(ctx context.Context, settings map[string]map[string]dbus.Variant, dev dbus.ObjectPath) error {
	options := map[string]dbus.Variant{"persist": dbus.MakeVariant("volatile")}
	var (
		connPath   dbus.ObjectPath
		activePath dbus.ObjectPath
		result     map[string]dbus.Variant
	)
	err := n.root().CallWithContext(ctx, nmIface+".AddAndActivateConnection2", 0,
		settings, dev, dbus.ObjectPath("/"), options).Store(&connPath, &activePath, &result)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.active = append(n.active, activePath)
	n.mu.Unlock()
	n.logger.Debug("wifi: connection activating", "connection", connPath, "active", activePath)
	return nil
}

func (n *NetworkManager) Status(ctx context.Context) (Status, error) {
	clientDev, err := n.device(ctx, n.clientIface)
	if err != nil {
		return Status{}, err
	}
	obj := n.conn.Object(nmDest, clientDev)
	state, err := deviceState(obj)
	if err != nil {
		return Status{}, err
	}

	st := Status{Client: clientState(state), AP: APStopped}
	if st.Client == ClientConnected {
		st.IP, err = n.ip4(obj)
		if err != nil {
			return Status{}, err
		}
	}

	n.mu.Lock()
	apUsed := n.apUsed
	n.mu.Unlock()
	if apUsed {
		apDev, err := n.device(ctx, n.apIface)
		if err != nil {
			return Status{}, err
		}
		apSt, err := deviceState(n.conn.Object(nmDest, apDev))
		if err != nil {
			return Status{}, err
		}
		st.AP = apState(apSt)
	}
	return st, nil
}

func deviceState(obj dbus.BusObject) (uint32, error) {
	v, err := obj.GetProperty(nmDeviceIface + ".State")
	if err != nil {
		return 0, fmt.Errorf("read device state: %w", err)
	}
	s, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("device state has type %T", v.Value())
	}
	return s, nil
}

func (n *NetworkManager) ip4(dev dbus.BusObject) (IPSettings, error) {
	v, err := dev.GetProperty(nmDeviceIface + ".Ip4Config")
	if err != nil {
		return IPSettings{}, fmt.Errorf("read ip4 config: %w", err)
	}
	path, _ := v.Value().(dbus.ObjectPath)
	if path == "" || path == "/" {
		return IPSettings{}, nil
	}
	cfg := n.conn.Object(nmDest, path)

	var addrData []map[string]dbus.Variant
	if v, err := cfg.GetProperty(nmIP4Iface + ".AddressData"); err == nil {
		addrData, _ = v.Value().([]map[string]dbus.Variant)
	}
	var gw string
	if v, err := cfg.GetProperty(nmIP4Iface + ".Gateway"); err == nil {
		gw, _ = v.Value().(string)
	}
	return parseIP4(addrData, gw), nil
}

// Stop deactivates every connection this radio activated.
func (n *NetworkManager) Stop(ctx context.Context) error {
	n.mu.Lock()
	active := n.active
	n.active = nil
	n.apUsed = false
	n.mu.Unlock()

	if len(active) == 0 {
		return nil
	}
	if err := n.connect(); err != nil {
		return err
	}
	var errs []error
	for _, p := range active {
		if err := n.root().CallWithContext(ctx, nmIface+".DeactivateConnection", 0, p).Err; err != nil {
			errs = append(errs, fmt.Errorf("deactivate %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func clientSettings(p ClientProfile, iface string) map[string]map[string]dbus.Variant {
	wireless := map[string]dbus.Variant{
		"ssid": dbus.MakeVariant([]byte(p.SSID)),
		"mode": dbus.MakeVariant("infrastructure"),
	}
	if p.Channel.Known {
		wireless["band"] = dbus.MakeVariant(bandFor(p.Channel.Channel))
		wireless["channel"] = dbus.MakeVariant(uint32(p.Channel.Channel))
	}

	s := map[string]map[string]dbus.Variant{
		"connection": {
			"id":             dbus.MakeVariant("node-" + p.SSID),
			"type":           dbus.MakeVariant("802-11-wireless"),
			"interface-name": dbus.MakeVariant(iface),
		},
		"802-11-wireless": wireless,
		"ipv4":            {"method": dbus.MakeVariant("auto")},
		"ipv6":            {"method": dbus.MakeVariant("ignore")},
	}
	if p.Passphrase != "" {
		s["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(p.Passphrase),
		}
	}
	return s
}

func accessPointSettings(p AccessPointProfile, iface string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		"connection": {
			"id":             dbus.MakeVariant("node-ap-" + p.SSID),
			"type":           dbus.MakeVariant("802-11-wireless"),
			"interface-name": dbus.MakeVariant(iface),
		},
		"802-11-wireless": {
			"ssid":    dbus.MakeVariant([]byte(p.SSID)),
			"mode":    dbus.MakeVariant("ap"),
			"band":    dbus.MakeVariant(bandFor(p.Channel)),
			"channel": dbus.MakeVariant(uint32(p.Channel)),
		},
		"ipv4": {"method": dbus.MakeVariant("shared")},
		"ipv6": {"method": dbus.MakeVariant("ignore")},
	}
}

func bandFor(channel uint8) string {
	if channel > 14 {
		return "a"
	}
	return "bg"
}

// frequencyToChannel maps an access point frequency in MHz to its channel
// number. Unknown frequencies map to 0.
func frequencyToChannel(mhz uint32) uint8 {
	switch {
	case mhz == 2484:
		return 14
	case mhz >= 2412 && mhz <= 2472:
		return uint8((mhz - 2407) / 5)
	case mhz >= 5160 && mhz <= 5885:
		return uint8((mhz - 5000) / 5)
	default:
		return 0
	}
}

func clientState(s uint32) ClientState {
	switch s {
	case nmDeviceActivated:
		return ClientConnected
	case nmDevicePrepare, nmDeviceConfig, nmDeviceNeedAuth:
		return ClientConnecting
	case nmDeviceIPConfig, nmDeviceIPCheck, nmDeviceSecondaries:
		return ClientObtainingIP
	case nmDeviceDeactivating:
		return ClientStarting
	case nmDeviceDisconnected, nmDeviceFailed:
		return ClientDisconnected
	default:
		return ClientStopped
	}
}

func apState(s uint32) APState {
	switch {
	case s == nmDeviceActivated:
		return APStarted
	case s >= nmDevicePrepare && s <= nmDeviceSecondaries, s == nmDeviceDeactivating:
		return APStarting
	default:
		return APStopped
	}
}

func parseIP4(addressData []map[string]dbus.Variant, gateway string) IPSettings {
	var ip IPSettings
	for _, entry := range addressData {
		v, ok := entry["address"]
		if !ok {
			continue
		}
		s, _ := v.Value().(string)
		if a, err := netip.ParseAddr(s); err == nil {
			ip.LocalIP = a
			break
		}
	}
	if a, err := netip.ParseAddr(gateway); err == nil {
		ip.Gateway = a
	}
	return ip
}
