// Package uci loads the rflocd configuration from an OpenWrt UCI file.
package uci

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the rfloc configuration
type Config struct {
	// Main configuration
	Enable               bool     `json:"enable"`
	LogLevel             string   `json:"log_level"`
	DBPath               string   `json:"db_path"`
	CollectionIntervalMS int      `json:"collection_interval_ms"`
	ScanIntervalMS       int      `json:"scan_interval_ms"`
	QueueSize            int      `json:"queue_size"`
	CacheMaxAge          int      `json:"cache_max_age"`
	CacheMaxSize         int      `json:"cache_max_size"`
	ASUScaleMin          float64  `json:"asu_scale_min"`
	ASUScaleMax          float64  `json:"asu_scale_max"`
	MetricsListener      bool     `json:"metrics_listener"`
	MetricsPort          int      `json:"metrics_port"`
	BlacklistSSID        []string `json:"blacklist_ssid"`

	MQTT    MQTTConfig    `json:"mqtt"`
	Scan    ScanConfig    `json:"scan"`
	Tracing TracingConfig `json:"tracing"`
}

// MQTTConfig is the 'mqtt' section
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
}

// ScanConfig is the 'scan' section. An empty SSHHost scans the local router.
type ScanConfig struct {
	WiFi        bool   `json:"wifi"`
	Cellular    bool   `json:"cellular"`
	GPS         bool   `json:"gps"`
	SSHHost     string `json:"ssh_host"`
	SSHUser     string `json:"ssh_user"`
	SSHPassword string `json:"ssh_password"`
	SSHKey      string `json:"ssh_key"`
}

// TracingConfig is the 'tracing' section
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	SampleRatio float64 `json:"sample_ratio"`
}

// Default configuration values
const (
	DefaultPath                 = "/etc/config/rfloc"
	DefaultLogLevel             = "info"
	DefaultDBPath               = "/etc/rfloc/emitters.db"
	DefaultCollectionIntervalMS = 4000
	DefaultScanIntervalMS       = 10000
	DefaultQueueSize            = 16
	DefaultCacheMaxAge          = 30
	DefaultCacheMaxSize         = 200
	DefaultASUScaleMin          = 1
	DefaultASUScaleMax          = 31
	DefaultMetricsPort          = 9101
	DefaultMQTTPort             = 1883
	DefaultTopicPrefix          = "rfloc"
	DefaultSampleRatio          = 1.0
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// LoadConfig loads and validates the rfloc configuration. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := cfg.parseUCI(path); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	c.Enable = true
	c.LogLevel = DefaultLogLevel
	c.DBPath = DefaultDBPath
	c.CollectionIntervalMS = DefaultCollectionIntervalMS
	c.ScanIntervalMS = DefaultScanIntervalMS
	c.QueueSize = DefaultQueueSize
	c.CacheMaxAge = DefaultCacheMaxAge
	c.CacheMaxSize = DefaultCacheMaxSize
	c.ASUScaleMin = DefaultASUScaleMin
	c.ASUScaleMax = DefaultASUScaleMax
	c.MetricsListener = false
	c.MetricsPort = DefaultMetricsPort
	c.BlacklistSSID = nil

	c.MQTT = MQTTConfig{
		Broker:      "localhost",
		Port:        DefaultMQTTPort,
		ClientID:    "rflocd",
		TopicPrefix: DefaultTopicPrefix,
		QoS:         1,
	}
	c.Scan = ScanConfig{WiFi: true, Cellular: true, GPS: true, SSHUser: "root"}
	c.Tracing = TracingConfig{Exporter: "stdout", SampleRatio: DefaultSampleRatio}
}

// CollectionInterval returns collection_interval_ms as a duration
func (c *Config) CollectionInterval() time.Duration {
	return time.Duration(c.CollectionIntervalMS) * time.Millisecond
}

// ScanInterval returns scan_interval_ms as a duration
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMS) * time.Millisecond
}

// parseUCI reads the file format written by uci(1):
//
//	config rfloc 'main'
//		option log_level 'debug'
//		list blacklist_ssid 'camper'
func (c *Config) parseUCI(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var section string
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "config":
			if len(fields) < 3 {
				return fmt.Errorf("line %d: config without a name", n+1)
			}
			section = unquote(fields[2])
		case "option", "list":
			if len(fields) < 3 {
				return fmt.Errorf("line %d: %s without a value", n+1, fields[0])
			}
			value := unquote(strings.Join(fields[2:], " "))
			if err := c.parseOption(section, fields[1], value); err != nil {
				return fmt.Errorf("line %d: %s.%s: %w", n+1, section, fields[1], err)
			}
		}
	}

	return nil
}

func unquote(s string) string {
	return strings.Trim(s, "'\"")
}

func (c *Config) parseOption(section, option, value string) error {
	switch section {
	case "main":
		return c.parseMainOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	case "scan":
		return c.parseScanOption(option, value)
	case "tracing":
		return c.parseTracingOption(option, value)
	}
	return nil
}

func (c *Config) parseMainOption(option, value string) error {
	var err error
	switch option {
	case "enable":
		c.Enable = value == "1"
	case "log_level":
		c.LogLevel = value
	case "db_path":
		c.DBPath = value
	case "collection_interval_ms":
		c.CollectionIntervalMS, err = strconv.Atoi(value)
	case "scan_interval_ms":
		c.ScanIntervalMS, err = strconv.Atoi(value)
	case "queue_size":
		c.QueueSize, err = strconv.Atoi(value)
	case "cache_max_age":
		c.CacheMaxAge, err = strconv.Atoi(value)
	case "cache_max_size":
		c.CacheMaxSize, err = strconv.Atoi(value)
	case "asu_scale_min":
		c.ASUScaleMin, err = strconv.ParseFloat(value, 64)
	case "asu_scale_max":
		c.ASUScaleMax, err = strconv.ParseFloat(value, 64)
	case "metrics_listener":
		c.MetricsListener = value == "1"
	case "metrics_port":
		c.MetricsPort, err = strconv.Atoi(value)
	case "blacklist_ssid":
		c.BlacklistSSID = append(c.BlacklistSSID, value)
	}
	return err
}

func (c *Config) parseMQTTOption(option, value string) error {
	var err error
	m := &c.MQTT
	switch option {
	case "enabled":
		m.Enabled = value == "1"
	case "broker":
		m.Broker = value
	case "port":
		m.Port, err = strconv.Atoi(value)
	case "client_id":
		m.ClientID = value
	case "username":
		m.Username = value
	case "password":
		m.Password = value
	case "topic_prefix":
		m.TopicPrefix = value
	case "qos":
		m.QoS, err = strconv.Atoi(value)
	case "retain":
		m.Retain = value == "1"
	}
	return err
}

func (c *Config) parseScanOption(option, value string) error {
	s := &c.Scan
	switch option {
	case "wifi":
		s.WiFi = value == "1"
	case "cellular":
		s.Cellular = value == "1"
	case "gps":
		s.GPS = value == "1"
	case "ssh_host":
		s.SSHHost = value
	case "ssh_user":
		s.SSHUser = value
	case "ssh_password":
		s.SSHPassword = value
	case "ssh_key":
		s.SSHKey = value
	}
	return nil
}

func (c *Config) parseTracingOption(option, value string) error {
	var err error
	t := &c.Tracing
	switch option {
	case "enabled":
		t.Enabled = value == "1"
	case "exporter":
		t.Exporter = value
	case "endpoint":
		t.Endpoint = value
	case "sample_ratio":
		t.SampleRatio, err = strconv.ParseFloat(value, 64)
	}
	return err
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
		}
	}

	check(isValidLogLevel(c.LogLevel), "log_level %q is not one of debug, info, warn, error", c.LogLevel)
	check(c.DBPath != "", "db_path is empty")
	check(c.CollectionIntervalMS >= 1000 && c.CollectionIntervalMS <= 60000,
		"collection_interval_ms must be between 1000 and 60000")
	check(c.ScanIntervalMS >= 1000 && c.ScanIntervalMS <= 600000,
		"scan_interval_ms must be between 1000 and 600000")
	check(c.QueueSize >= 1 && c.QueueSize <= 1024, "queue_size must be between 1 and 1024")
	check(c.CacheMaxAge >= 1, "cache_max_age must be positive")
	check(c.CacheMaxSize >= 1, "cache_max_size must be positive")
	check(c.ASUScaleMin >= 0 && c.ASUScaleMax > 0 && c.ASUScaleMin <= c.ASUScaleMax,
		"asu_scale_min/asu_scale_max must satisfy 0 <= min <= max, max > 0")
	check(c.MetricsPort > 0 && c.MetricsPort < 65536, "metrics_port %d out of range", c.MetricsPort)

	if c.MQTT.Enabled {
		check(c.MQTT.Broker != "", "mqtt broker is empty")
		check(c.MQTT.Port > 0 && c.MQTT.Port < 65536, "mqtt port %d out of range", c.MQTT.Port)
		check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt qos must be 0, 1 or 2")
		check(c.MQTT.TopicPrefix != "", "mqtt topic_prefix is empty")
	}

	if c.Scan.SSHHost != "" {
		check(c.Scan.SSHPassword != "" || c.Scan.SSHKey != "", "ssh_host needs ssh_password or ssh_key")
	}

	if c.Tracing.Enabled {
		check(c.Tracing.Exporter == "stdout" || c.Tracing.Exporter == "otlp",
			"tracing exporter %q is not stdout or otlp", c.Tracing.Exporter)
		check(c.Tracing.Exporter != "otlp" || c.Tracing.Endpoint != "", "otlp exporter needs an endpoint")
		check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "sample_ratio must be between 0 and 1")
	}

	return errors.Join(errs...)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
