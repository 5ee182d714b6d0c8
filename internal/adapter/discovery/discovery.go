// Package discovery advertises the hub on the local network and finds
// other hubs. Real mDNS support is compiled in with the "mdns" build tag;
// without it every operation is a no-op.
package discovery

import (
	"context"
	"sort"
	"strings"
	"time"
)

const (
	ServiceType = "_agentbridge._tcp"
	Domain      = "local."
)

// Announcement is what the hub publishes about itself.
type Announcement struct {
	Instance string
	Port     int
	Text     map[string]string
}

// Peer is a hub seen on the network.
type Peer struct {
	Instance string            `json:"instance"`
	Addr     string            `json:"addr"`
	Text     map[string]string `json:"text,omitempty"`
}

// Discoverer advertises and browses hub instances.
type Discoverer interface {
	// Advertise publishes a until ctx is cancelled.
	Advertise(ctx context.Context, a Announcement) error
	// SetText replaces the TXT records of a running advertisement.
	SetText(text map[string]string)
	// Browse collects peers seen within timeout.
	Browse(ctx context.Context, timeout time.Duration) ([]Peer, error)
	// Enabled reports whether mDNS is compiled in.
	Enabled() bool
}

// formatTXT renders key=value records in a stable order.
func formatTXT(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func parseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
