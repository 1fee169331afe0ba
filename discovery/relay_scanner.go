package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrNoRelay is returned by FindRelay when the scan found nothing.
var ErrNoRelay = errors.New("discovery: no relay found")

const (
	// EventRelayUpserted is emitted when a relay appears or its record changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a relay has gone unseen for StaleAfter.
	EventRelayRemoved EventType = "relay_removed"
)

// EventType identifies relay discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type  EventType
	Relay DiscoveredRelay
}

// DiscoveredRelay is a relay endpoint seen on the LAN.
type DiscoveredRelay struct {
	RelayID   string
	Name      string
	Version   int
	Path      string
	TLS       bool
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// URL returns the WebSocket URL for the relay, using the first address and
// falling back to the host name.
func (r DiscoveredRelay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	scheme := "ws"
	if r.TLS {
		scheme = "wss"
	}
	path := r.Path
	if path == "" {
		path = DefaultPath
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(r.Port)), path)
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RelayScanner keeps a live view of relays with periodic and manual mDNS
// browse operations.
type RelayScanner struct {
	cfg Config

	browse browseFunc

	mu     sync.RWMutex
	relays map[string]DiscoveredRelay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
	now             func() time.Time
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &RelayScanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]DiscoveredRelay),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
		now:             time.Now,
	}, nil
}

// Start begins background scanning.
func (s *RelayScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *RelayScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// ListRelays returns a snapshot sorted by name then id.
func (s *RelayScanner) ListRelays() []DiscoveredRelay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredRelay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *RelayScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayScanner) runScan(requestCtx context.Context) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	found, err := s.scanOnce(ctx)
	if err != nil {
		return err
	}
	s.apply(found)
	return nil
}

// scanOnce browses for one ScanTimeout window.
func (s *RelayScanner) scanOnce(ctx context.Context) ([]DiscoveredRelay, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		incoming := (<-chan *zeroconf.ServiceEntry)(entries)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-incoming:
				if !ok {
					// The resolver closes entries when it stops browsing.
					incoming = nil
					continue
				}
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				relay.LastSeen = s.now()
				collected[relay.RelayID] = relay
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse %s: %w", s.cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	out := make([]DiscoveredRelay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	return out, nil
}

// apply merges a scan into the view. Relays missing from a scan are kept
// until StaleAfter has passed since they were last seen.
func (s *RelayScanner) apply(found []DiscoveredRelay) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(found))
	for _, relay := range found {
		seen[relay.RelayID] = true
		old, exists := s.relays[relay.RelayID]
		s.relays[relay.RelayID] = relay
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	for id, relay := range s.relays {
		if seen[id] || now.Sub(relay.LastSeen) < s.cfg.StaleAfter {
			continue
		}
		delete(s.relays, id)
		s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
	}
}

func (s *RelayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredRelay, bool) {
	txt := txtToMap(entry.Text)

	relayID := txt["relay_id"]
	if relayID == "" || entry.Port <= 0 {
		return DiscoveredRelay{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	tls, _ := strconv.ParseBool(txt["tls"])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = relayID
	}

	return DiscoveredRelay{
		RelayID:   relayID,
		Name:      name,
		Version:   version,
		Path:      txt["path"],
		TLS:       tls,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func relaysEqual(a, b DiscoveredRelay) bool {
	if a.RelayID != b.RelayID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.Path != b.Path ||
		a.TLS != b.TLS ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
