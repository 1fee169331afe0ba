package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestRelayScannerManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("relay-1", "Office", 9000, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("relay-2", "Lab", 9001, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	relays := scanner.ListRelays()
	if len(relays) != 2 || relays[0].Name != "Lab" {
		t.Fatalf("unexpected relays after refresh: %+v", relays)
	}
}

func TestRelayScannerDropsStaleRelays(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		StaleAfter:      80 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("relay-1", "Office", 9000, "10.0.0.2")
			}
			entries <- testServiceEntry("relay-2", "Lab", 9001, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if !waitForEvent(scanner.Events(), EventRelayRemoved, "relay-1", 2*time.Second) {
		t.Fatalf("expected removal event for relay-1")
	}
	relays := scanner.ListRelays()
	if len(relays) != 1 || relays[0].RelayID != "relay-2" {
		t.Fatalf("unexpected relays: %+v", relays)
	}
}

func TestRelayScannerKeepsRelayWithinStaleWindow(t *testing.T) {
	now := time.Unix(1_706_000_000, 0)
	scanner, err := NewRelayScanner(Config{StaleAfter: time.Minute, browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error { return nil }})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.now = func() time.Time { return now }

	scanner.apply([]DiscoveredRelay{{RelayID: "relay-1", Name: "Office", Port: 9000, LastSeen: now}})
	now = now.Add(30 * time.Second)
	scanner.apply(nil)
	if len(scanner.ListRelays()) != 1 {
		t.Fatalf("relay dropped inside stale window")
	}

	now = now.Add(time.Minute)
	scanner.apply(nil)
	if len(scanner.ListRelays()) != 0 {
		t.Fatalf("relay kept past stale window")
	}
}

func TestParseEntryRejectsIncompleteRecords(t *testing.T) {
	entry := testServiceEntry("", "Nameless", 9000, "10.0.0.2")
	if _, ok := parseEntry(entry); ok {
		t.Fatalf("entry without relay_id should be rejected")
	}
	entry = testServiceEntry("relay-1", "NoPort", 0, "10.0.0.2")
	if _, ok := parseEntry(entry); ok {
		t.Fatalf("entry without port should be rejected")
	}
}

func testServiceEntry(relayID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text: []string{
			"relay_id=" + relayID,
			"version=1",
			"path=/ws",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, relayID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Relay.RelayID == relayID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
