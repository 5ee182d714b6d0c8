//go:build !mdns

package discovery

import (
	"context"
	"log/slog"
	"time"
)

type noop struct{}

// New returns the no-op Discoverer; this binary was built without mDNS.
func New(*slog.Logger) Discoverer { return noop{} }

func (noop) Advertise(ctx context.Context, _ Announcement) error {
	<-ctx.Done()
	return nil
}

func (noop) SetText(map[string]string) {}

func (noop) Browse(context.Context, time.Duration) ([]Peer, error) { return nil, nil }

func (noop) Enabled() bool { return false }
