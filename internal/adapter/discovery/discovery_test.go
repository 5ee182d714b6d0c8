package discovery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestTXTRoundTrip(t *testing.T) {
	txt := formatTXT(map[string]string{"version": "1.0", "pid": "42", "note": "a=b"})
	want := []string{"note=a=b", "pid=42", "version=1.0"}
	if len(txt) != len(want) {
		t.Fatalf("formatTXT = %v", txt)
	}
	for i := range want {
		if txt[i] != want[i] {
			t.Errorf("txt[%d] = %q, want %q", i, txt[i], want[i])
		}
	}

	m := parseTXT(append(txt, "garbage"))
	if m["note"] != "a=b" || m["pid"] != "42" {
		t.Errorf("parseTXT = %v", m)
	}
	if _, ok := m["garbage"]; ok {
		t.Error("record without '=' should be skipped")
	}
}

func TestAdvertiseStopsWithContext(t *testing.T) {
	d := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !d.Enabled() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- d.Advertise(ctx, Announcement{Instance: "test", Port: 7890}) }()
		d.SetText(map[string]string{"connections": "1"})
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Advertise: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Advertise did not return after cancel")
		}
		peers, err := d.Browse(context.Background(), 10*time.Millisecond)
		if err != nil || len(peers) != 0 {
			t.Fatalf("noop Browse = %v, %v", peers, err)
		}
	}
}
