//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// MDNS advertises and browses via multicast DNS-SD.
type MDNS struct {
	logger *slog.Logger
	mu     sync.Mutex
	server *zeroconf.Server
}

// New returns the mDNS Discoverer.
func New(logger *slog.Logger) Discoverer { return &MDNS{logger: logger} }

// Enabled reports true.
func (d *MDNS) Enabled() bool { return true }

// Advertise registers the hub and blocks until ctx is cancelled.
func (d *MDNS) Advertise(ctx context.Context, a Announcement) error {
	server, err := zeroconf.Register(a.Instance, ServiceType, Domain, a.Port, formatTXT(a.Text), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	d.mu.Lock()
	d.server = server
	d.mu.Unlock()

	d.logger.Info("mdns advertising", "instance", a.Instance, "port", a.Port)
	<-ctx.Done()

	d.mu.Lock()
	d.server = nil
	d.mu.Unlock()
	server.Shutdown()
	return nil
}

// SetText updates the TXT records while advertising.
func (d *MDNS) SetText(text map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil {
		d.server.SetText(formatTXT(text))
	}
}

// Browse collects hubs answering within timeout.
func (d *MDNS) Browse(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		peers []Peer
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range entries {
			p := entryToPeer(e)
			peers = append(peers, p)
			d.logger.Debug("mdns found hub", "instance", p.Instance, "addr", p.Addr)
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := resolver.Browse(browseCtx, ServiceType, Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-browseCtx.Done()
	wg.Wait()
	return peers, nil
}

func entryToPeer(e *zeroconf.ServiceEntry) Peer {
	var addr string
	switch {
	case len(e.AddrIPv4) > 0:
		addr = fmt.Sprintf("%s:%d", e.AddrIPv4[0], e.Port)
	case len(e.AddrIPv6) > 0:
		addr = fmt.Sprintf("[%s]:%d", e.AddrIPv6[0], e.Port)
	}
	return Peer{Instance: e.ServiceRecord.Instance, Addr: addr, Text: parseTXT(e.Text)}
}
