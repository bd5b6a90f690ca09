package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kass/go-crowd-monitor/pkg/density"
	"github.com/kass/go-crowd-monitor/pkg/engine"
	"github.com/kass/go-crowd-monitor/pkg/models"
	"github.com/kass/go-crowd-monitor/pkg/trend"
)

// Source kinds.
const (
	SourceSimulated = "simulated"
	SourceMQTT      = "mqtt"
)

// Safe zone advisor kinds.
const (
	SafeZoneOffset  = "offset"
	SafeZoneRTree   = "rtree"
	SafeZonePostGIS = "postgis"
)

// Config holds the full application configuration.
type Config struct {
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`
	Density   DensityConfig   `yaml:"density" mapstructure:"density"`
	Trend     trend.Config    `yaml:"trend" mapstructure:"trend"`
	Source    SourceConfig    `yaml:"source" mapstructure:"source"`
	SafeZone  SafeZoneConfig  `yaml:"safezone" mapstructure:"safezone"`
	PostGIS   PostGISConfig   `yaml:"postgis" mapstructure:"postgis"`
	Publisher PublisherConfig `yaml:"publisher" mapstructure:"publisher"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// MonitorConfig configures session timing.
type MonitorConfig struct {
	SamplePeriod    time.Duration `yaml:"sample_period" mapstructure:"sample_period"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	CooldownSeconds int           `yaml:"cooldown_seconds" mapstructure:"cooldown_seconds"`
	Radius          int           `yaml:"radius" mapstructure:"radius"`
}

// DensityConfig configures classification.
type DensityConfig struct {
	density.Thresholds `yaml:",inline" mapstructure:",squash"`
	PeoplePerMeter     float64 `yaml:"people_per_meter" mapstructure:"people_per_meter"`
}

// SourceConfig selects the occupancy feed.
type SourceConfig struct {
	Kind   string     `yaml:"kind" mapstructure:"kind"`
	Seed   int64      `yaml:"seed" mapstructure:"seed"`
	Jitter int        `yaml:"jitter" mapstructure:"jitter"`
	MQTT   MQTTConfig `yaml:"mqtt" mapstructure:"mqtt"`
}

// MQTTConfig configures the broker used for occupancy and position topics.
type MQTTConfig struct {
	Broker   string        `yaml:"broker" mapstructure:"broker"`
	ClientID string        `yaml:"client_id" mapstructure:"client_id"`
	Topic    string        `yaml:"topic" mapstructure:"topic"`
	FixTopic string        `yaml:"fix_topic" mapstructure:"fix_topic"`
	MaxAge   time.Duration `yaml:"max_age" mapstructure:"max_age"`
}

// SafeZoneConfig selects the safe zone policy.
type SafeZoneConfig struct {
	Kind          string  `yaml:"kind" mapstructure:"kind"`
	OffsetDegrees float64 `yaml:"offset_degrees" mapstructure:"offset_degrees"`
	SearchMeters  float64 `yaml:"search_meters" mapstructure:"search_meters"`
	CellsFile     string  `yaml:"cells_file" mapstructure:"cells_file"`
}

// PostGISConfig configures the cell store.
type PostGISConfig struct {
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// PublisherConfig configures spike hand-off.
type PublisherConfig struct {
	AMQPURL string `yaml:"amqp_url" mapstructure:"amqp_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file" mapstructure:"file"`
}

// Load reads configuration from path, or crowdwatch.yaml in the working
// directory when path is empty, then applies CROWDWATCH_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crowdwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CROWDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("monitor.sample_period", engine.DefaultSamplePeriod)
	v.SetDefault("monitor.fetch_timeout", 0)
	v.SetDefault("monitor.cooldown_seconds", 30)
	v.SetDefault("monitor.radius", 50)
	v.SetDefault("density.medium_ratio", density.DefaultMediumRatio)
	v.SetDefault("density.heavy_ratio", density.DefaultHeavyRatio)
	v.SetDefault("density.people_per_meter", density.DefaultPeoplePerMeter)
	v.SetDefault("trend.history_size", trend.DefaultWindowSize)
	v.SetDefault("trend.trend_delta", trend.DefaultTrendDelta)
	v.SetDefault("trend.spike_delta", trend.DefaultSpikeDelta)
	v.SetDefault("source.kind", SourceSimulated)
	v.SetDefault("source.seed", 0)
	v.SetDefault("source.jitter", 20)
	v.SetDefault("source.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("source.mqtt.client_id", "crowdwatch")
	v.SetDefault("source.mqtt.topic", "crowd/occupancy/+")
	v.SetDefault("source.mqtt.fix_topic", "crowd/location/+")
	v.SetDefault("source.mqtt.max_age", 10*time.Second)
	v.SetDefault("safezone.kind", SafeZoneOffset)
	v.SetDefault("safezone.offset_degrees", 0.002)
	v.SetDefault("safezone.search_meters", 500.0)
	v.SetDefault("safezone.cells_file", "")
	v.SetDefault("postgis.dsn", "")
	v.SetDefault("publisher.amqp_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	if _, err := models.ParseRadius(c.Monitor.Radius); err != nil {
		return eris.Wrap(err, "config: monitor.radius")
	}
	if err := c.Engine().Validate(); err != nil {
		return eris.Wrap(err, "config: engine")
	}

	switch c.Source.Kind {
	case SourceSimulated:
		if c.Source.Jitter < 0 {
			return models.InvalidConfigurationf("config: source.jitter must not be negative")
		}
	case SourceMQTT:
		if c.Source.MQTT.Broker == "" {
			return models.InvalidConfigurationf("config: source.mqtt.broker is required")
		}
	default:
		return models.InvalidConfigurationf("config: unknown source.kind %q", c.Source.Kind)
	}

	switch c.SafeZone.Kind {
	case SafeZoneOffset:
	case SafeZoneRTree:
		if c.SafeZone.CellsFile == "" {
			return models.InvalidConfigurationf("config: safezone.cells_file is required for the rtree advisor")
		}
	case SafeZonePostGIS:
		if c.PostGIS.DSN == "" {
			return models.InvalidConfigurationf("config: postgis.dsn is required for the postgis advisor")
		}
	default:
		return models.InvalidConfigurationf("config: unknown safezone.kind %q", c.SafeZone.Kind)
	}
	if c.SafeZone.OffsetDegrees <= 0 {
		return models.InvalidConfigurationf("config: safezone.offset_degrees must be positive")
	}

	return nil
}

// Radius returns the configured starting radius.
func (c *Config) Radius() models.Radius {
	return models.Radius(c.Monitor.Radius)
}

// Engine maps the configuration onto engine tuning.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		SamplePeriod:    c.Monitor.SamplePeriod,
		FetchTimeout:    c.Monitor.FetchTimeout,
		CooldownSeconds: c.Monitor.CooldownSeconds,
		PeoplePerMeter:  c.Density.PeoplePerMeter,
		Thresholds:      c.Density.Thresholds,
		Trend:           c.Trend,
	}
}

// Redacted returns a copy with credentials in connection strings masked.
func (c Config) Redacted() Config {
	c.PostGIS.DSN = redact(c.PostGIS.DSN)
	c.Publisher.AMQPURL = redact(c.Publisher.AMQPURL)
	return c
}

func redact(conn string) string {
	if conn == "" {
		return conn
	}
	if u, err := url.Parse(conn); err == nil && u.Scheme != "" {
		return u.Redacted()
	}
	// key=value DSN
	fields := strings.Fields(conn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}

// InitLogger initializes the global zap logger. A non-empty File sends all
// output there instead of the terminal.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	if cfg.File != "" {
		zapCfg.OutputPaths = []string{cfg.File}
		zapCfg.ErrorOutputPaths = []string{cfg.File}
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
