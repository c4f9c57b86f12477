// Package config provides configuration management for the Toonify agent.
// Configuration is assembled from defaults, an optional YAML file and
// environment variables, in that order of precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort          = 8787
	DefaultLogLevel      = "info"
	DefaultServiceURL    = "http://localhost:8000/"
	DefaultStyleID       = 26
	DefaultUploadTimeout = 60 * time.Second

	// Environment variable names
	EnvPort          = "TOONIFY_PORT"
	EnvLogLevel      = "TOONIFY_LOG_LEVEL"
	EnvServiceURL    = "TOONIFY_SERVICE_URL"
	EnvStyleID       = "TOONIFY_STYLE_ID"
	EnvSegment       = "TOONIFY_SEGMENT"
	EnvStructureOnly = "TOONIFY_STRUCTURE_ONLY"
	EnvUploadTimeout = "TOONIFY_UPLOAD_TIMEOUT"
	EnvOTLPEndpoint  = "TOONIFY_OTLP_ENDPOINT"
	EnvConfigFile    = "TOONIFY_CONFIG_FILE"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	ServiceURL() string
	StyleID() int
	Segment() bool
	StructureOnly() bool
	UploadTimeout() time.Duration
	OTLPEndpoint() string
}

// fileConfig mirrors the optional YAML file. Pointer fields distinguish
// "absent" from a zero value.
type fileConfig struct {
	Port          *int    `yaml:"port"`
	LogLevel      *string `yaml:"log_level"`
	ServiceURL    *string `yaml:"service_url"`
	StyleID       *int    `yaml:"style_id"`
	Segment       *bool   `yaml:"segment"`
	StructureOnly *bool   `yaml:"structure_only"`
	UploadTimeout *string `yaml:"upload_timeout"`
	OTLPEndpoint  *string `yaml:"otlp_endpoint"`
}

// EnvConfig reads configuration from a YAML file and environment variables
type EnvConfig struct {
	port          int
	logLevel      string
	serviceURL    string
	styleID       int
	segment       bool
	structureOnly bool
	uploadTimeout time.Duration
	otlpEndpoint  string
}

// New creates a new EnvConfig with defaults, file values and environment
// variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:          DefaultPort,
		logLevel:      DefaultLogLevel,
		serviceURL:    DefaultServiceURL,
		styleID:       DefaultStyleID,
		segment:       true,
		uploadTimeout: DefaultUploadTimeout,
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", EnvConfigFile, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.Port != nil {
		c.port = *fc.Port
	}
	if fc.LogLevel != nil {
		c.logLevel = *fc.LogLevel
	}
	if fc.ServiceURL != nil {
		c.serviceURL = *fc.ServiceURL
	}
	if fc.StyleID != nil {
		c.styleID = *fc.StyleID
	}
	if fc.Segment != nil {
		c.segment = *fc.Segment
	}
	if fc.StructureOnly != nil {
		c.structureOnly = *fc.StructureOnly
	}
	if fc.UploadTimeout != nil {
		d, err := time.ParseDuration(*fc.UploadTimeout)
		if err != nil {
			return fmt.Errorf("invalid upload_timeout in %s: %w", path, err)
		}
		c.uploadTimeout = d
	}
	if fc.OTLPEndpoint != nil {
		c.otlpEndpoint = *fc.OTLPEndpoint
	}
	return nil
}

func (c *EnvConfig) loadEnv() error {
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}

	if u := os.Getenv(EnvServiceURL); u != "" {
		c.serviceURL = u
	}

	if s := os.Getenv(EnvStyleID); s != "" {
		id, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvStyleID, err)
		}
		c.styleID = id
	}

	if s := os.Getenv(EnvSegment); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvSegment, err)
		}
		c.segment = b
	}

	if s := os.Getenv(EnvStructureOnly); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvStructureOnly, err)
		}
		c.structureOnly = b
	}

	if s := os.Getenv(EnvUploadTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvUploadTimeout, err)
		}
		c.uploadTimeout = d
	}

	if e := os.Getenv(EnvOTLPEndpoint); e != "" {
		c.otlpEndpoint = e
	}
	return nil
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
	}

	switch strings.ToLower(c.logLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid %s: unknown level %q", EnvLogLevel, c.logLevel)
	}

	u, err := url.Parse(c.serviceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s: %q is not an http(s) URL", EnvServiceURL, c.serviceURL)
	}

	if c.styleID < 0 {
		return fmt.Errorf("invalid %s: style id must be >= 0", EnvStyleID)
	}

	if c.uploadTimeout <= 0 {
		return fmt.Errorf("invalid %s: timeout must be positive", EnvUploadTimeout)
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// ServiceURL returns the base URL of the remote stylization service
func (c *EnvConfig) ServiceURL() string {
	return c.serviceURL
}

// StyleID returns the style preselected for new runs
func (c *EnvConfig) StyleID() int {
	return c.styleID
}

func (c *EnvConfig) Segment() bool {
	return c.segment
}

func (c *EnvConfig) StructureOnly() bool {
	return c.structureOnly
}

// UploadTimeout bounds a single upload request. Push streams are not
// subject to it.
func (c *EnvConfig) UploadTimeout() time.Duration {
	return c.uploadTimeout
}

// OTLPEndpoint returns the trace collector endpoint; empty disables export.
func (c *EnvConfig) OTLPEndpoint() string {
	return c.otlpEndpoint
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
