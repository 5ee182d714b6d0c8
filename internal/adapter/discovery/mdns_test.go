//go:build mdns

package discovery

import (
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestEntryToPeer(t *testing.T) {
	entry := zeroconf.NewServiceEntry("hub-a", ServiceType, Domain)
	entry.Port = 7890
	entry.Text = []string{"pid=99", "version=dev"}
	entry.AddrIPv4 = append(entry.AddrIPv4, []byte{192, 168, 1, 20})

	p := entryToPeer(entry)
	if p.Instance != "hub-a" {
		t.Errorf("Instance = %q", p.Instance)
	}
	if p.Addr != "192.168.1.20:7890" {
		t.Errorf("Addr = %q", p.Addr)
	}
	if p.Text["pid"] != "99" {
		t.Errorf("Text = %v", p.Text)
	}
}
