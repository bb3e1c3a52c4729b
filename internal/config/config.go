package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/CamSignal/internal/adapters/managedcloud"
	"github.com/dkeye/CamSignal/internal/adapters/pull"
	"github.com/dkeye/CamSignal/internal/adapters/push"
	"github.com/dkeye/CamSignal/internal/adapters/relay"
	"github.com/dkeye/CamSignal/internal/adapters/rtc"
	"github.com/dkeye/CamSignal/internal/adapters/signal"
	"github.com/dkeye/CamSignal/internal/app/heartbeat"
	"github.com/dkeye/CamSignal/internal/app/orch"
	"github.com/dkeye/CamSignal/internal/discovery"
	"github.com/dkeye/CamSignal/internal/domain"
)

const envPrefix = "CAMSIGNAL"

type RelayConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	Client    relay.Config     `mapstructure:",squash"`
	Heartbeat heartbeat.Config `mapstructure:",squash"`
}

type SessionConfig struct {
	orch.Config   `mapstructure:",squash"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

type CloudConfig struct {
	managedcloud.Config `mapstructure:",squash"`

	Enabled      bool   `mapstructure:"enabled"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	SessionToken string `mapstructure:"session_token"`
}

type PullConfig struct {
	pull.Config `mapstructure:",squash"`
	Enabled     bool `mapstructure:"enabled"`
}

type PushConfig struct {
	push.Config `mapstructure:",squash"`
	Enabled     bool `mapstructure:"enabled"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	Hub       signal.Config    `mapstructure:"hub"`
	Relay     RelayConfig      `mapstructure:"relay"`
	Session   SessionConfig    `mapstructure:"session"`
	RTC       rtc.Config       `mapstructure:"rtc"`
	Pull      PullConfig       `mapstructure:"pull"`
	Push      PushConfig       `mapstructure:"push"`
	Cloud     CloudConfig      `mapstructure:"managed_cloud"`
	Discovery discovery.Config `mapstructure:"discovery"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Loader keeps the viper instance around for reloads.
type Loader struct {
	v    *viper.Viper
	file string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	hub := signal.DefaultConfig()
	v.SetDefault("hub.read_limit", hub.ReadLimit)
	v.SetDefault("hub.ping_period", hub.PingPeriod)
	v.SetDefault("hub.conn_timeout", hub.ConnTimeout)
	v.SetDefault("hub.sweep_interval", hub.SweepInterval)
	v.SetDefault("hub.send_queue", hub.SendQueue)
	v.SetDefault("hub.call_rate_limit", hub.CallRateLimit)
	v.SetDefault("hub.call_rate_window", hub.CallRateWindow)
	v.SetDefault("hub.ice_servers", hub.ICEServers)

	rc, hb := relay.DefaultConfig(), heartbeat.DefaultConfig()
	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.url", rc.URL)
	v.SetDefault("relay.client_type", rc.ClientType)
	v.SetDefault("relay.dial_timeout", rc.DialTimeout)
	v.SetDefault("relay.write_timeout", rc.WriteTimeout)
	v.SetDefault("relay.ping_interval", hb.PingInterval)
	v.SetDefault("relay.ack_timeout", hb.AckTimeout)
	v.SetDefault("relay.missed_acks", hb.MissedAcks)
	v.SetDefault("relay.base_delay", hb.BaseDelay)
	v.SetDefault("relay.max_delay", hb.MaxDelay)
	v.SetDefault("relay.max_attempts", hb.MaxAttempts)

	oc := orch.DefaultConfig()
	v.SetDefault("session.degraded_window", oc.DegradedWindow)
	v.SetDefault("session.teardown_grace", oc.TeardownGrace)
	v.SetDefault("session.negotiation_timeout", oc.NegotiationTimeout)
	v.SetDefault("session.stats_interval", oc.StatsInterval)
	v.SetDefault("session.send_timeout", oc.SendTimeout)
	v.SetDefault("session.ice_policy", string(oc.DefaultIcePolicy))
	v.SetDefault("session.auto_accept", oc.AutoAccept)
	v.SetDefault("session.gather_timeout", 5*time.Second)
	th := oc.Thresholds
	v.SetDefault("session.thresholds.packet_loss_pct.warning", th.PacketLossPct.Warning)
	v.SetDefault("session.thresholds.packet_loss_pct.error", th.PacketLossPct.Error)
	v.SetDefault("session.thresholds.freezes_per_min.warning", th.FreezesPerMin.Warning)
	v.SetDefault("session.thresholds.freezes_per_min.error", th.FreezesPerMin.Error)
	v.SetDefault("session.thresholds.pli_per_min.warning", th.PLIPerMin.Warning)
	v.SetDefault("session.thresholds.pli_per_min.error", th.PLIPerMin.Error)
	v.SetDefault("session.thresholds.nack_per_min.warning", th.NACKPerMin.Warning)
	v.SetDefault("session.thresholds.nack_per_min.error", th.NACKPerMin.Error)

	rtcCfg := rtc.DefaultConfig()
	v.SetDefault("rtc.ice_servers", rtcCfg.ICEServers)
	v.SetDefault("rtc.udp_port_min", 0)
	v.SetDefault("rtc.udp_port_max", 0)
	v.SetDefault("rtc.nat_1to1_ips", []string{})
	v.SetDefault("rtc.pli_interval", rtcCfg.PLIInterval)

	pc := pull.DefaultConfig()
	v.SetDefault("pull.enabled", false)
	v.SetDefault("pull.endpoint", "")
	v.SetDefault("pull.trickle", pc.Trickle)
	v.SetDefault("pull.strip_candidates", pc.StripCandidates)
	v.SetDefault("pull.timeout", pc.Timeout)
	v.SetDefault("pull.bearer_token", "")

	ph := push.DefaultConfig()
	v.SetDefault("push.enabled", true)
	v.SetDefault("push.answer_timeout", ph.AnswerTimeout)
	v.SetDefault("push.base_path", ph.BasePath)

	mc := managedcloud.DefaultConfig()
	v.SetDefault("managed_cloud.enabled", false)
	v.SetDefault("managed_cloud.discovery_url", "")
	v.SetDefault("managed_cloud.region", "")
	v.SetDefault("managed_cloud.role", mc.Role)
	v.SetDefault("managed_cloud.client_id", "camsignal")
	v.SetDefault("managed_cloud.cache_size", mc.CacheSize)
	v.SetDefault("managed_cloud.cache_ttl", mc.CacheTTL)
	v.SetDefault("managed_cloud.ping_interval", mc.PingInterval)
	v.SetDefault("managed_cloud.dial_timeout", mc.DialTimeout)
	v.SetDefault("managed_cloud.write_timeout", mc.WriteTimeout)
	v.SetDefault("managed_cloud.access_key", "")
	v.SetDefault("managed_cloud.secret_key", "")
	v.SetDefault("managed_cloud.session_token", "")

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.instance", "")
	v.SetDefault("discovery.service", discovery.DefaultService)
	v.SetDefault("discovery.path", "/ws")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func flags(args []string) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("camsignal", pflag.ContinueOnError)
	fs.String("config", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	fs.Int("port", 8080, "http listen port")
	fs.String("mode", "release", "gin mode: debug or release")
	fs.String("log-level", "info", "log level")
	fs.String("relay-url", "", "relay hub url to dial as a viewer")
	fs.String("pull-endpoint", "", "pull endpoint template, {target} is replaced")
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}
	return fs, nil
}

// Load reads defaults, the yaml file, CAMSIGNAL_* env and flags, lowest first.
func Load(args []string) (*Config, *Loader, error) {
	fs, err := flags(args)
	if err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fileName, _ := fs.GetString("config")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = "config/config." + env + ".yaml"
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"port":          "port",
		"mode":          "mode",
		"log_level":     "log-level",
		"relay.url":     "relay-url",
		"pull.endpoint": "pull-endpoint",
	} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, nil, errors.Wrapf(err, "bind flag %s", flag)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	l := &Loader{v: v, file: fileName}
	cfg, err := l.decode()
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("level", cfg.Level().String()).Msg("config ready")
	return cfg, l, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		domainHook(),
	))
	if err := l.v.Unmarshal(&cfg, hook); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errors.Errorf("invalid port %d", cfg.Port)
	}
	return &cfg, nil
}

// Watch calls fn with the new config whenever the file changes.
// A file that fails to parse is logged and skipped.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Stringer("op", e.Op).Msg("config reloaded")
		fn(cfg)
	})
	l.v.WatchConfig()
}

var (
	transportKindType = reflect.TypeOf(domain.TransportKind(""))
	icePolicyType     = reflect.TypeOf(domain.IcePolicy(""))
)

// domainHook validates enum-like strings while decoding.
func domainHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		s, _ := data.(string)
		switch to {
		case transportKindType:
			return domain.ParseTransportKind(s)
		case icePolicyType:
			if s == "" {
				return domain.IcePolicy(""), nil
			}
			return domain.ParseIcePolicy(s)
		}
		return data, nil
	}
}
