package rtc

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/dkeye/CamSignal/internal/core"
)

type Config struct {
	ICEServers  []string      `mapstructure:"ice_servers"`
	UDPPortMin  uint16        `mapstructure:"udp_port_min"`
	UDPPortMax  uint16        `mapstructure:"udp_port_max"`
	NAT1To1IPs  []string      `mapstructure:"nat_1to1_ips"`
	PLIInterval time.Duration `mapstructure:"pli_interval"`
}

func DefaultConfig() Config {
	return Config{
		ICEServers:  []string{"stun:stun.l.google.com:19302"},
		PLIInterval: 3 * time.Second,
	}
}

// Servers returns the configured STUN/TURN URLs as pion ICE servers.
func (c Config) Servers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.ICEServers}}
}

// Factory builds media transports sharing one configured pion API.
type Factory struct {
	api   *webrtc.API
	cfg   Config
	clock clock.Clock
}

func NewFactory(cfg Config, clk clock.Clock) (*Factory, error) {
	if clk == nil {
		clk = clock.New()
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, errors.Wrap(err, "register default interceptors")
	}
	if cfg.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.PLIInterval))
		if err != nil {
			return nil, errors.Wrap(err, "create PLI interceptor")
		}
		interceptorRegistry.Add(pli)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, errors.Wrap(err, "udp port range")
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: cfg, clock: clk}, nil
}

// NewMedia opens a peer connection; servers from the signaling side win over config.
func (f *Factory) NewMedia(ref core.SessionRef, servers []webrtc.ICEServer) (core.MediaTransport, error) {
	if len(servers) == 0 {
		servers = f.cfg.Servers()
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}
	return newConnection(pc, ref, f.clock), nil
}
