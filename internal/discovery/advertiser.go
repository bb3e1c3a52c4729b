// Package discovery announces the relay hub on the local network so cameras
// can find it without configuration.
package discovery

import (
	"net"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultService = "_camsignal._tcp"
	DefaultDomain  = "local."
)

var (
	ErrClosed         = errors.New("advertiser closed")
	ErrAlreadyStarted = errors.New("already advertising")
)

// Server is a running mDNS registration.
type Server interface {
	Shutdown()
}

// ServerFactory creates registrations. Tests swap it out.
type ServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error)
}

type zeroconfFactory struct{}

func (zeroconfFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Instance string `mapstructure:"instance"`
	Service  string `mapstructure:"service"`
	// Path is the WebSocket path of the hub, published as TXT.
	Path string `mapstructure:"path"`

	Interfaces []net.Interface `mapstructure:"-"`
	Factory    ServerFactory   `mapstructure:"-"`
}

type Advertiser struct {
	cfg     Config
	factory ServerFactory

	mu     sync.Mutex
	server Server
	closed bool
}

func NewAdvertiser(cfg Config) *Advertiser {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "camsignal"
		}
		cfg.Instance = host
	}
	factory := cfg.Factory
	if factory == nil {
		factory = zeroconfFactory{}
	}
	return &Advertiser{cfg: cfg, factory: factory}
}

// Start publishes the hub on port.
func (a *Advertiser) Start(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}
	txt := []string{"path=" + a.cfg.Path, "proto=ws"}
	srv, err := a.factory.Register(a.cfg.Instance, a.cfg.Service, DefaultDomain, port, txt, a.cfg.Interfaces)
	if err != nil {
		return errors.Wrapf(err, "mdns register %s", a.cfg.Service)
	}
	a.server = srv
	log.Info().Str("module", "discovery").Str("instance", a.cfg.Instance).Str("service", a.cfg.Service).Int("port", port).Msg("advertising relay hub")
	return nil
}

// Close withdraws the registration. Safe to call more than once.
func (a *Advertiser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
