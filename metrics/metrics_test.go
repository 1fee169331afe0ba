package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessagesSent.Inc()
	m.Sessions.WithLabelValues("ready").Set(2)

	if got := testutil.ToFloat64(m.MessagesSent); got != 1 {
		t.Fatalf("expected messages_sent 1, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "peerlink_session_sessions" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected peerlink_session_sessions to be registered")
	}
}

func TestNewWithoutRegistererIsUsable(t *testing.T) {
	m := New(nil)
	m.Reconnects.Inc()
	if got := testutil.ToFloat64(m.Reconnects); got != 1 {
		t.Fatalf("expected reconnects 1, got %v", got)
	}
}
