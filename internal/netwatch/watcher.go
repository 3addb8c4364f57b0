// Package netwatch observes the device's reachability class by periodically
// probing the network, and notifies subscribers only when the class changes.
// The sync queue uses the offline→online edge to flush pending work.
package netwatch

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Status is the current reachability class.
type Status int

const (
	// StatusOffline means no network path at all.
	StatusOffline Status = iota
	// StatusLocalOnly means a local network exists but the backend host is
	// unreachable (captive portal, airplane-mode Wi-Fi, walled garden).
	StatusLocalOnly
	// StatusOnline means the backend host answers.
	StatusOnline
)

// String returns the human-readable label for the status.
func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusLocalOnly:
		return "local-only"
	default:
		return "offline"
	}
}

// Prober checks one reachability target. Split out so tests can fake the
// network.
type Prober interface {
	// ProbeLocal reports whether any local network interface is usable.
	ProbeLocal(ctx context.Context) bool
	// ProbeBackend reports whether the backend host accepts connections.
	ProbeBackend(ctx context.Context) bool
}

// dialProber probes with plain TCP dials.
type dialProber struct {
	backendAddr string // host:port of the backend
	timeout     time.Duration
}

func (p *dialProber) ProbeLocal(_ context.Context) bool {
	// A non-loopback interface with an address is good enough for "local".
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

func (p *dialProber) ProbeBackend(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", p.backendAddr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Watcher polls the prober and fans status changes out to subscribers.
type Watcher struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	current Status
	subs    []chan Status
}

// New creates a Watcher that probes backendAddr (host:port) every interval.
func New(backendAddr string, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		prober:   &dialProber{backendAddr: backendAddr, timeout: 5 * time.Second},
		interval: interval,
		logger:   logger,
		current:  StatusOffline,
	}
}

// NewWithProber creates a Watcher with a custom prober, for tests.
func NewWithProber(p Prober, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{prober: p, interval: interval, logger: logger, current: StatusOffline}
}

// Subscribe returns a channel that delivers the status as of subscription
// and then every change. Seeding the current status means a subscriber
// never has to guess the initial state: a device that boots offline learns
// so from its first receive instead of waiting for a transition that will
// not come. The channel is buffered; a slow subscriber drops intermediate
// transitions rather than stalling the watcher.
func (w *Watcher) Subscribe() <-chan Status {
	ch := make(chan Status, 4)
	w.mu.Lock()
	ch <- w.current
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Current returns the last observed status.
func (w *Watcher) Current() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run probes immediately and then on every tick until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.probe(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probe(ctx)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) {
	status := StatusOffline
	if w.prober.ProbeLocal(ctx) {
		status = StatusLocalOnly
		if w.prober.ProbeBackend(ctx) {
			status = StatusOnline
		}
	}

	w.mu.Lock()
	changed := status != w.current
	w.current = status
	subs := w.subs
	w.mu.Unlock()

	if !changed {
		return
	}
	w.logger.Info("connectivity changed", "status", status.String())
	for _, ch := range subs {
		select {
		case ch <- status:
		default:
		}
	}
}
