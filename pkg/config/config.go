// Package config loads the application configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/errors"
)

// Config represents the complete application configuration
type Config struct {
	Engine    EngineConfig    `json:"engine"`
	Account   AccountConfig   `json:"account"`
	Codecs    CodecConfig     `json:"codecs"`
	DTMF      DTMFConfig      `json:"dtmf"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Messaging MessagingConfig `json:"messaging"`
}

// EngineConfig holds the parameters applied at engine initialisation.
type EngineConfig struct {
	Transport       string `json:"transport" env:"SIP_TRANSPORT" default:"udp"`
	LocalAddr       string `json:"local_addr" env:"SIP_LOCAL_ADDR" default:"0.0.0.0"`
	LocalPort       int    `json:"local_port" env:"SIP_LOCAL_PORT" default:"5060"`
	AgentString     string `json:"agent_string" env:"SIP_AGENT_STRING" default:"sipkit-server"`
	LicenseKey      string `json:"license_key" env:"SIP_LICENSE_KEY"`
	SRTPPolicy      string `json:"srtp_policy" env:"SIP_SRTP_POLICY" default:"none"`
	LogLevel        int    `json:"log_level" env:"SIP_ENGINE_LOG_LEVEL" default:"-1"`
	LogPath         string `json:"log_path" env:"SIP_ENGINE_LOG_PATH"`
	MaxLogFileLines int    `json:"max_log_file_lines" env:"SIP_ENGINE_LOG_MAX_LINES" default:"0"`
}

// AccountConfig holds the credentials and registration parameters.
type AccountConfig struct {
	UserName    string `json:"user_name" env:"SIP_USER_NAME"`
	DisplayName string `json:"display_name" env:"SIP_DISPLAY_NAME"`
	AuthName    string `json:"auth_name" env:"SIP_AUTH_NAME"`
	Password    string `json:"-" env:"SIP_PASSWORD"`
	UserDomain  string `json:"user_domain" env:"SIP_USER_DOMAIN"`

	ServerAddr string `json:"server_addr" env:"SIP_SERVER_ADDR"`
	ServerPort int    `json:"server_port" env:"SIP_SERVER_PORT" default:"5060"`

	STUNAddr string `json:"stun_addr" env:"SIP_STUN_ADDR"`
	STUNPort int    `json:"stun_port" env:"SIP_STUN_PORT" default:"3478"`

	OutboundAddr string `json:"outbound_addr" env:"SIP_OUTBOUND_ADDR"`
	OutboundPort int    `json:"outbound_port" env:"SIP_OUTBOUND_PORT" default:"5060"`

	RegisterExpires int  `json:"register_expires" env:"SIP_REGISTER_EXPIRES" default:"3600"`
	RegisterRetries int  `json:"register_retries" env:"SIP_REGISTER_RETRIES" default:"3"`
	AutoRegister    bool `json:"auto_register" env:"SIP_AUTO_REGISTER" default:"true"`
}

// CodecConfig holds the enabled codec lists. Lists use the # separator,
// e.g. "PCMU#PCMA#OPUS"; unknown names are skipped with a warning.
type CodecConfig struct {
	AudioList string `json:"audio_list" env:"CODEC_AUDIO_LIST" default:"OPUS#PCMU#PCMA"`
	VideoList string `json:"video_list" env:"CODEC_VIDEO_LIST" default:""`

	Audio []codec.Audio `json:"-"`
	Video []codec.Video `json:"-"`
}

// DTMFConfig holds tone transmission parameters.
type DTMFConfig struct {
	Method      string `json:"method" env:"DTMF_METHOD" default:"rfc2833"`
	DurationMS  int    `json:"duration_ms" env:"DTMF_DURATION_MS" default:"160"`
	PlayLocally bool   `json:"play_locally" env:"DTMF_PLAY_LOCALLY" default:"true"`
}

// LoggingConfig holds application logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"LOG_FORMAT" default:"json"`
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// HTTPConfig holds the API and metrics server configuration.
type HTTPConfig struct {
	Enabled        bool          `json:"enabled" env:"HTTP_ENABLED" default:"true"`
	Port           int           `json:"port" env:"HTTP_PORT" default:"8080"`
	ReadTimeout    time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
	EnableMetrics  bool          `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`
	EnableEventsWS bool          `json:"enable_events_ws" env:"HTTP_ENABLE_EVENTS_WS" default:"true"`
}

// MessagingConfig holds the AMQP event publisher configuration.
type MessagingConfig struct {
	AMQPUrl        string        `json:"amqp_url" env:"AMQP_URL"`
	AMQPQueueName  string        `json:"amqp_queue_name" env:"AMQP_QUEUE_NAME" default:"sipkit_events"`
	ConnectTimeout time.Duration `json:"connect_timeout" env:"AMQP_CONNECT_TIMEOUT" default:"5s"`
	ReconnectDelay time.Duration `json:"reconnect_delay" env:"AMQP_RECONNECT_DELAY" default:"5s"`
}

// Load reads configuration from the environment, seeding it from a .env
// file when one is found next to the working directory.
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr == nil {
			if loadErr := godotenv.Load(envFile); loadErr == nil {
				loadedFrom, _ = filepath.Abs(envFile)
				break
			}
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}

	config := &Config{}

	loadEngineConfig(&config.Engine)
	loadAccountConfig(&config.Account)
	loadCodecConfig(logger, &config.Codecs)
	loadDTMFConfig(&config.DTMF)
	loadLoggingConfig(&config.Logging)
	loadHTTPConfig(&config.HTTP)
	loadMessagingConfig(&config.Messaging)

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

func loadEngineConfig(cfg *EngineConfig) {
	cfg.Transport = strings.ToLower(getEnv("SIP_TRANSPORT", "udp"))
	cfg.LocalAddr = getEnv("SIP_LOCAL_ADDR", "0.0.0.0")
	cfg.LocalPort = getEnvInt("SIP_LOCAL_PORT", 5060)
	cfg.AgentString = getEnv("SIP_AGENT_STRING", "sipkit-server")
	cfg.LicenseKey = getEnv("SIP_LICENSE_KEY", "")
	cfg.SRTPPolicy = strings.ToLower(getEnv("SIP_SRTP_POLICY", "none"))
	cfg.LogLevel = getEnvInt("SIP_ENGINE_LOG_LEVEL", int(engine.LogNone))
	cfg.LogPath = getEnv("SIP_ENGINE_LOG_PATH", "")
	cfg.MaxLogFileLines = getEnvInt("SIP_ENGINE_LOG_MAX_LINES", 0)
}

func loadAccountConfig(cfg *AccountConfig) {
	cfg.UserName = getEnv("SIP_USER_NAME", "")
	cfg.DisplayName = getEnv("SIP_DISPLAY_NAME", "")
	cfg.AuthName = getEnv("SIP_AUTH_NAME", "")
	cfg.Password = getEnv("SIP_PASSWORD", "")
	cfg.UserDomain = getEnv("SIP_USER_DOMAIN", "")
	cfg.ServerAddr = getEnv("SIP_SERVER_ADDR", "")
	cfg.ServerPort = getEnvInt("SIP_SERVER_PORT", 5060)
	cfg.STUNAddr = getEnv("SIP_STUN_ADDR", "")
	cfg.STUNPort = getEnvInt("SIP_STUN_PORT", 3478)
	cfg.OutboundAddr = getEnv("SIP_OUTBOUND_ADDR", "")
	cfg.OutboundPort = getEnvInt("SIP_OUTBOUND_PORT", 5060)
	cfg.RegisterExpires = getEnvInt("SIP_REGISTER_EXPIRES", 3600)
	cfg.RegisterRetries = getEnvInt("SIP_REGISTER_RETRIES", 3)
	cfg.AutoRegister = getEnvBool("SIP_AUTO_REGISTER", true)
}

func loadCodecConfig(logger *logrus.Logger, cfg *CodecConfig) {
	cfg.AudioList = getEnv("CODEC_AUDIO_LIST", "OPUS#PCMU#PCMA")
	cfg.VideoList = getEnv("CODEC_VIDEO_LIST", "")

	cfg.Audio = codec.ParseAudioList(cfg.AudioList)
	if len(cfg.Audio) == 0 {
		logger.WithField("list", cfg.AudioList).Warn("No known audio codecs in list, falling back to OPUS#PCMU#PCMA")
		cfg.Audio = codec.ParseAudioList("OPUS#PCMU#PCMA")
	}
	cfg.Video = codec.ParseVideoList(cfg.VideoList)
}

func loadDTMFConfig(cfg *DTMFConfig) {
	cfg.Method = strings.ToLower(getEnv("DTMF_METHOD", "rfc2833"))
	cfg.DurationMS = getEnvInt("DTMF_DURATION_MS", 160)
	cfg.PlayLocally = getEnvBool("DTMF_PLAY_LOCALLY", true)
}

func loadLoggingConfig(cfg *LoggingConfig) {
	cfg.Level = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	cfg.Format = strings.ToLower(getEnv("LOG_FORMAT", "json"))
	cfg.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

func loadHTTPConfig(cfg *HTTPConfig) {
	cfg.Enabled = getEnvBool("HTTP_ENABLED", true)
	cfg.Port = getEnvInt("HTTP_PORT", 8080)
	cfg.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	cfg.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	cfg.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)
	cfg.EnableEventsWS = getEnvBool("HTTP_ENABLE_EVENTS_WS", true)
}

func loadMessagingConfig(cfg *MessagingConfig) {
	cfg.AMQPUrl = getEnv("AMQP_URL", "")
	cfg.AMQPQueueName = getEnv("AMQP_QUEUE_NAME", "sipkit_events")
	cfg.ConnectTimeout = getEnvDuration("AMQP_CONNECT_TIMEOUT", 5*time.Second)
	cfg.ReconnectDelay = getEnvDuration("AMQP_RECONNECT_DELAY", 5*time.Second)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if _, err := c.Engine.ParseTransport(); err != nil {
		return err
	}
	if _, err := c.Engine.ParseSRTPPolicy(); err != nil {
		return err
	}
	if _, err := c.DTMF.ParseMethod(); err != nil {
		return err
	}
	if c.Engine.LocalPort <= 0 || c.Engine.LocalPort > 65535 {
		return fmt.Errorf("invalid local port %d", c.Engine.LocalPort)
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("invalid HTTP port %d", c.HTTP.Port)
	}
	if c.Account.AutoRegister {
		if c.Account.UserName == "" {
			return fmt.Errorf("SIP_USER_NAME is required when auto-register is enabled")
		}
		if c.Account.ServerAddr == "" {
			return fmt.Errorf("SIP_SERVER_ADDR is required when auto-register is enabled")
		}
	}
	if c.Account.RegisterExpires <= 0 {
		return fmt.Errorf("register expires must be positive, got %d", c.Account.RegisterExpires)
	}
	return nil
}

// ParseTransport maps the configured transport name to its engine value.
func (c *EngineConfig) ParseTransport() (engine.Transport, error) {
	switch c.Transport {
	case "udp":
		return engine.TransportUDP, nil
	case "tcp":
		return engine.TransportTCP, nil
	case "tls":
		return engine.TransportTLS, nil
	case "pers":
		return engine.TransportPERS, nil
	}
	return 0, fmt.Errorf("unknown transport %q", c.Transport)
}

// ParseSRTPPolicy maps the configured SRTP policy name to its engine
// value.
func (c *EngineConfig) ParseSRTPPolicy() (engine.SRTPPolicy, error) {
	switch c.SRTPPolicy {
	case "none", "":
		return engine.SRTPNone, nil
	case "force":
		return engine.SRTPForce, nil
	case "prefer":
		return engine.SRTPPrefer, nil
	}
	return 0, fmt.Errorf("unknown SRTP policy %q", c.SRTPPolicy)
}

// ParseMethod maps the configured DTMF method name to its engine value.
func (c *DTMFConfig) ParseMethod() (engine.DTMFMethod, error) {
	switch c.Method {
	case "rfc2833", "":
		return engine.DTMFRFC2833, nil
	case "info":
		return engine.DTMFInfo, nil
	}
	return 0, fmt.Errorf("unknown DTMF method %q", c.Method)
}

// Helper functions for environment variables

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
