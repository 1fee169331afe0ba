// Package discovery advertises relay servers over mDNS and finds them on the
// local network, so clients can connect without a configured relay URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerlink-relay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultPath is the WebSocket path advertised when none is set.
	DefaultPath = "/ws"
	// DefaultRefreshInterval is the background relay discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the relay advertiser and scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// StaleAfter is how long a relay may go unseen before it is dropped.
	StaleAfter time.Duration

	// Advertiser fields.
	RelayID string
	Name    string
	Port    int
	Path    string
	TLS     bool

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 2 * time.Duration(out.TTL) * time.Second
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("relay name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	return nil
}

// Advertiser publishes a relay via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the relay service record.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"relay_id=" + cfg.RelayID,
		"version=" + strconv.Itoa(cfg.Version),
		"path=" + cfg.Path,
		"tls=" + strconv.FormatBool(cfg.TLS),
	}

	server, err := cfg.registerFn(cfg.Name, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// FindRelay runs one scan and returns the first relay found, preferring the
// lowest relay id so repeated lookups agree.
func FindRelay(ctx context.Context, config Config) (DiscoveredRelay, error) {
	scanner, err := NewRelayScanner(config)
	if err != nil {
		return DiscoveredRelay{}, err
	}
	relays, err := scanner.scanOnce(ctx)
	if err != nil {
		return DiscoveredRelay{}, err
	}
	if len(relays) == 0 {
		return DiscoveredRelay{}, ErrNoRelay
	}
	best := relays[0]
	for _, relay := range relays[1:] {
		if relay.RelayID < best.RelayID {
			best = relay
		}
	}
	return best, nil
}
