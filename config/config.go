// Package config loads endpoint configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	cfx "github.com/glimte/cfx-go"
	"github.com/glimte/cfx-go/messaging"
	"github.com/glimte/cfx-go/security"
	"github.com/glimte/cfx-go/serialization"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the YAML configuration of one endpoint
type Config struct {
	Handle          string           `yaml:"handle"`
	ListenURI       string           `yaml:"listen_uri"`
	Listeners       []string         `yaml:"listeners"`
	PublishChannels []ChannelConfig  `yaml:"publish_channels"`
	TLS             TLSConfig        `yaml:"tls"`
	Credentials     CredentialConfig `yaml:"credentials"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	PublishPolicy     string `yaml:"publish_policy"`
	Codec             string `yaml:"codec"`
	NotSupportedReply bool   `yaml:"not_supported_reply"`

	MetricsAddress string `yaml:"metrics_address"`
}

// ChannelConfig names one publish channel
type ChannelConfig struct {
	URI     string `yaml:"uri"`
	Address string `yaml:"address"`
}

// TLSConfig holds certificate settings
type TLSConfig struct {
	CertFile   string   `yaml:"cert_file"`
	KeyFile    string   `yaml:"key_file"`
	CAFiles    []string `yaml:"ca_files"`
	ServerName string   `yaml:"server_name"`
	MinVersion string   `yaml:"min_version"`
	// ValidatePeerCertificates defaults to true when omitted
	ValidatePeerCertificates *bool `yaml:"validate_peer_certificates"`
}

// CredentialConfig holds SASL PLAIN credentials
type CredentialConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads a YAML file. Environment variables in the file are expanded
// before parsing so that secrets can stay out of it.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = messaging.DefaultConnectTimeout
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = messaging.DefaultHandlerTimeout
	}
	if c.PublishPolicy == "" {
		c.PublishPolicy = cfx.PublishAll.String()
	}
	if c.Codec == "" {
		c.Codec = "json"
	}
}

// Validate checks the configuration without touching the network
func (c *Config) Validate() error {
	if c.Handle == "" {
		return fmt.Errorf("%w: handle is required", ErrInvalidConfig)
	}
	if len(c.Listeners) > 0 && c.ListenURI == "" {
		return fmt.Errorf("%w: listeners require listen_uri", ErrInvalidConfig)
	}
	if c.ListenURI != "" {
		if err := messaging.ValidateURI(c.ListenURI); err != nil {
			return fmt.Errorf("%w: listen_uri: %v", ErrInvalidConfig, err)
		}
	}
	for _, address := range c.Listeners {
		if _, err := messaging.ParseAddress(address); err != nil {
			return fmt.Errorf("%w: listener: %v", ErrInvalidConfig, err)
		}
	}
	for i, ch := range c.PublishChannels {
		if err := messaging.ValidateURI(ch.URI); err != nil {
			return fmt.Errorf("%w: publish_channels[%d]: %v", ErrInvalidConfig, i, err)
		}
		if _, err := messaging.ParseAddress(ch.Address); err != nil {
			return fmt.Errorf("%w: publish_channels[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls cert_file and key_file must be set together", ErrInvalidConfig)
	}
	switch c.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("%w: unsupported tls min_version %q", ErrInvalidConfig, c.TLS.MinVersion)
	}
	if c.RequestTimeout < 0 || c.ConnectTimeout < 0 || c.HandlerTimeout < 0 {
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalidConfig)
	}
	if _, err := c.policy(); err != nil {
		return err
	}
	if _, err := serialization.CodecFor(c.Codec, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Security builds the security context
func (c *Config) Security() *security.Context {
	validate := c.TLS.ValidatePeerCertificates == nil || *c.TLS.ValidatePeerCertificates
	return &security.Context{
		CertFile:           c.TLS.CertFile,
		KeyFile:            c.TLS.KeyFile,
		CAFiles:            c.TLS.CAFiles,
		ServerName:         c.TLS.ServerName,
		MinVersion:         c.TLS.MinVersion,
		SkipPeerValidation: !validate,
		Username:           c.Credentials.Username,
		Password:           c.Credentials.Password,
	}
}

// Options converts the configuration to endpoint options
func (c *Config) Options() ([]cfx.Option, error) {
	policy, err := c.policy()
	if err != nil {
		return nil, err
	}
	codec, err := serialization.CodecFor(c.Codec, serialization.GetGlobalRegistry())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	opts := []cfx.Option{
		cfx.WithSecurity(c.Security()),
		cfx.WithDefaultTimeout(c.RequestTimeout),
		cfx.WithConnectTimeout(c.ConnectTimeout),
		cfx.WithHandlerTimeout(c.HandlerTimeout),
		cfx.WithPublishPolicy(policy),
		cfx.WithCodec(codec),
		cfx.WithNotSupportedReply(c.NotSupportedReply),
	}
	if c.ListenURI != "" {
		opts = append(opts, cfx.WithListenURI(c.ListenURI), cfx.WithListeners(c.Listeners...))
	}
	for _, ch := range c.PublishChannels {
		opts = append(opts, cfx.WithPublishChannel(ch.URI, ch.Address))
	}
	return opts, nil
}

func (c *Config) policy() (cfx.PublishPolicy, error) {
	switch c.PublishPolicy {
	case cfx.PublishAll.String():
		return cfx.PublishAll, nil
	case cfx.PublishSingle.String():
		return cfx.PublishSingle, nil
	default:
		return 0, fmt.Errorf("%w: unknown publish_policy %q", ErrInvalidConfig, c.PublishPolicy)
	}
}
