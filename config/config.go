package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Modbus    ModbusConfig    `mapstructure:"modbus"`
	Registers RegisterConfig  `mapstructure:"registers"`
	Poll      PollConfig      `mapstructure:"poll"`
	PVOutput  PVOutputConfig  `mapstructure:"pvoutput"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	State     StateConfig     `mapstructure:"state"`
	DryRun    bool            `mapstructure:"dry_run"`
	Debug     bool            `mapstructure:"debug"`
	Timezone  string          `mapstructure:"timezone"`
}

type ModbusConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	UnitID  uint8         `mapstructure:"unit_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RegisterConfig describes where each quantity lives inside the block
// read. Register maps vary by firmware revision, so the offsets are
// configuration rather than code.
type RegisterConfig struct {
	BlockStart  uint16 `mapstructure:"block_start"`
	BlockCount  uint16 `mapstructure:"block_count"`
	Voltage     int    `mapstructure:"voltage"`
	Frequency   int    `mapstructure:"frequency"`
	Power       int    `mapstructure:"power"`
	StatusCode  int    `mapstructure:"status_code"`
	Temperature int    `mapstructure:"temperature"`
	EnergyLow   int    `mapstructure:"energy_low"`
	EnergyHigh  int    `mapstructure:"energy_high"`
	EnergyScale int    `mapstructure:"energy_scale"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type PVOutputConfig struct {
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	SystemID string `mapstructure:"system_id"`
}

type DashboardConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

const minPollInterval = 30 * time.Second

func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vsn300-pvoutput")
	}

	// Set defaults
	v.SetDefault("modbus.host", "192.168.1.220")
	v.SetDefault("modbus.port", 502)
	v.SetDefault("modbus.unit_id", 2)
	v.SetDefault("modbus.timeout", "4s")
	v.SetDefault("registers.block_start", 80)
	v.SetDefault("registers.block_count", 40)
	v.SetDefault("registers.voltage", 0)
	v.SetDefault("registers.frequency", 6)
	v.SetDefault("registers.power", 4)
	v.SetDefault("registers.status_code", 8)
	v.SetDefault("registers.temperature", 26)
	v.SetDefault("registers.energy_low", 14)
	v.SetDefault("registers.energy_high", 15)
	v.SetDefault("registers.energy_scale", 16)
	v.SetDefault("poll.interval", "300s")
	v.SetDefault("pvoutput.url", "https://pvoutput.org/service/r2/addstatus.jsp")
	v.SetDefault("pvoutput.api_key", "")
	v.SetDefault("pvoutput.system_id", "")
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "vsn300")
	v.SetDefault("mqtt.client_id", "vsn300-pvoutput")
	v.SetDefault("state.dir", "/data")
	v.SetDefault("dry_run", false)
	v.SetDefault("debug", false)
	v.SetDefault("timezone", "")

	// Environment takes precedence over the file, matching how the
	// container image has always been configured.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if secs := v.GetInt("poll_seconds"); secs > 0 {
		cfg.Poll.Interval = time.Duration(secs) * time.Second
	}
	if cfg.Poll.Interval < minPollInterval {
		cfg.Poll.Interval = minPollInterval
	}

	return &cfg, nil
}

// bindEnvAliases maps the historical flat environment names onto the
// nested keys.
func bindEnvAliases(v *viper.Viper) {
	v.BindEnv("modbus.host", "MODBUS_HOST")
	v.BindEnv("modbus.port", "MODBUS_PORT")
	v.BindEnv("modbus.unit_id", "MODBUS_UNIT_ID")
	v.BindEnv("modbus.timeout", "MODBUS_TIMEOUT")
	v.BindEnv("poll_seconds", "POLL_SECONDS")
	v.BindEnv("pvoutput.api_key", "PVOUTPUT_API_KEY")
	v.BindEnv("pvoutput.system_id", "PVOUTPUT_SYSTEM_ID")
	v.BindEnv("dashboard.port", "DASHBOARD_PORT")
	v.BindEnv("mqtt.enabled", "MQTT_ENABLED")
	v.BindEnv("mqtt.broker", "MQTT_BROKER")
	v.BindEnv("mqtt.topic_prefix", "MQTT_TOPIC_PREFIX")
	v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")
	v.BindEnv("mqtt.username", "MQTT_USERNAME")
	v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	v.BindEnv("state.dir", "STATE_DIR")
	v.BindEnv("dry_run", "DRY_RUN")
	v.BindEnv("debug", "DEBUG")
	v.BindEnv("timezone", "TZ")
}

// Validate rejects configurations the process cannot start with.
// Missing PVOutput credentials are only acceptable in dry-run mode.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.PVOutput.APIKey == "" {
			return fmt.Errorf("pvoutput.api_key is required (set PVOUTPUT_API_KEY or enable dry_run)")
		}
		if c.PVOutput.SystemID == "" {
			return fmt.Errorf("pvoutput.system_id is required (set PVOUTPUT_SYSTEM_ID or enable dry_run)")
		}
	}
	if c.Registers.BlockCount == 0 {
		return fmt.Errorf("registers.block_count must be positive")
	}
	max := int(c.Registers.BlockCount) - 1
	for name, off := range map[string]int{
		"voltage":      c.Registers.Voltage,
		"frequency":    c.Registers.Frequency,
		"power":        c.Registers.Power,
		"status_code":  c.Registers.StatusCode,
		"temperature":  c.Registers.Temperature,
		"energy_low":   c.Registers.EnergyLow,
		"energy_high":  c.Registers.EnergyHigh,
		"energy_scale": c.Registers.EnergyScale,
	} {
		if off < 0 || off > max {
			return fmt.Errorf("registers.%s offset %d outside block of %d registers", name, off, c.Registers.BlockCount)
		}
	}
	return nil
}

// Location resolves the configured timezone, falling back to the
// system local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}
