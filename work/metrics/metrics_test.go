package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionsActive.Set(2)
	m.SessionsCreated.WithLabelValues("MPEG_PS_PAL").Inc()
	m.SSDPPackets.WithLabelValues("alive").Add(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"lanmedia_sessions_active",
		"lanmedia_sessions_created_total",
		"lanmedia_ssdp_packets_total",
	} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestNewWithNilRegistererIsIsolated(t *testing.T) {
	// two instances must not panic on duplicate registration
	New(nil)
	New(nil)
}
