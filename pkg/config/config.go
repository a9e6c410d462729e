package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/herd/pkg/hostconfig"
	"github.com/cuemby/herd/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate

	unitPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*/[0-9]+$`)
)

func init() {
	validate = validator.New()
}

// Config represents the agent configuration
type Config struct {
	// Unit is the identity of the local unit, "<application>/<number>"
	Unit           string   `mapstructure:"unit" validate:"required"`
	Hostname       string   `mapstructure:"hostname" validate:"required"`
	IngressAddress string   `mapstructure:"ingress_address"`
	Role           string   `mapstructure:"role"`
	Channel        string   `mapstructure:"channel"`
	Addons         []string `mapstructure:"addons"`
	DataDir        string   `mapstructure:"data_dir" validate:"required"`
	SnapDataDir    string   `mapstructure:"snap_data_dir" validate:"required"`

	Relations  RelationsConfig  `mapstructure:"relations"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Containerd ContainerdConfig `mapstructure:"containerd"`
	Certs      CertsConfig      `mapstructure:"certs"`
	DNS        DNSConfig        `mapstructure:"dns"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// RelationsConfig names the relation endpoints
type RelationsConfig struct {
	// Peer is the endpoint shared by all units of the application
	Peer string `mapstructure:"peer" validate:"required"`
	// Provides is the endpoint on which control plane units offer joins to workers
	Provides string `mapstructure:"provides" validate:"required"`
	// Cluster is the endpoint on which worker units consume joins
	Cluster string `mapstructure:"cluster" validate:"required"`
	// PeerID is the id of the peer relation the unit belongs to from
	// install, "<peer>:0" unless set
	PeerID string `mapstructure:"peer_id"`
}

// RetryConfig contains retry configuration for cluster agent calls
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts" validate:"min=1,max=100"`
	Backoff  time.Duration `mapstructure:"backoff" validate:"min=0"`
	Linear   bool          `mapstructure:"linear"`
}

// ContainerdConfig contains the containerd proxy environment and registries
type ContainerdConfig struct {
	HTTPProxy  string `mapstructure:"http_proxy"`
	HTTPSProxy string `mapstructure:"https_proxy"`
	NoProxy    string `mapstructure:"no_proxy"`
	EnvPath    string `mapstructure:"env_path"`
	// CustomRegistries is a JSON list of registries, see hostconfig.Registry
	CustomRegistries string `mapstructure:"custom_registries"`
}

// CertsConfig contains the kube-apiserver certificate settings
type CertsConfig struct {
	// ExtraSANs may contain %UNIT_PUBLIC_ADDRESS%
	ExtraSANs      []string `mapstructure:"extra_sans"`
	DisableReissue bool     `mapstructure:"disable_reissue"`
}

// DNSConfig contains the cluster DNS settings
type DNSConfig struct {
	ClusterIP string `mapstructure:"cluster_ip" validate:"omitempty,ip"`
	Domain    string `mapstructure:"domain" validate:"omitempty,fqdn"`
	// Corefile replaces the CoreDNS configuration when set
	Corefile string `mapstructure:"corefile"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// MetricsConfig contains the daemon listener configuration
type MetricsConfig struct {
	Listen string `mapstructure:"listen" validate:"required,hostname_port"`
}

// UnitID returns the unit identity
func (c *Config) UnitID() types.PeerID {
	return types.PeerID(c.Unit)
}

// App returns the application the unit belongs to
func (c *Config) App() string {
	return c.UnitID().App()
}

// Ingress returns the address peers use to reach this unit
func (c *Config) Ingress() string {
	if c.IngressAddress != "" {
		return c.IngressAddress
	}
	return c.Hostname
}

// Registries returns the parsed custom registries
func (c *Config) Registries() ([]hostconfig.Registry, error) {
	return hostconfig.ParseRegistries(c.Containerd.CustomRegistries)
}

// LoadConfig loads configuration from file and environment. An explicit
// configPath must exist; otherwise herd.yaml is searched in the working
// directory and /etc/herd.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("herd")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/herd")
	}

	setDefaults(v)

	v.SetEnvPrefix("HERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("unit", "")
	v.SetDefault("hostname", "")
	v.SetDefault("ingress_address", "")
	v.SetDefault("role", "")
	v.SetDefault("channel", "")
	v.SetDefault("addons", []string{})
	v.SetDefault("data_dir", "/var/lib/herd")
	v.SetDefault("snap_data_dir", "/var/snap/microk8s/current")

	// Relation endpoints
	v.SetDefault("relations.peer", "peer")
	v.SetDefault("relations.provides", "workers")
	v.SetDefault("relations.cluster", "cluster")
	v.SetDefault("relations.peer_id", "")

	// Retry defaults
	v.SetDefault("retry.attempts", 10)
	v.SetDefault("retry.backoff", 2*time.Second)
	v.SetDefault("retry.linear", false)

	// Containerd defaults
	v.SetDefault("containerd.http_proxy", "")
	v.SetDefault("containerd.https_proxy", "")
	v.SetDefault("containerd.no_proxy", "")
	v.SetDefault("containerd.env_path", "")
	v.SetDefault("containerd.custom_registries", "")

	// Certificate and DNS defaults
	v.SetDefault("certs.extra_sans", []string{})
	v.SetDefault("certs.disable_reissue", false)
	v.SetDefault("dns.cluster_ip", "")
	v.SetDefault("dns.domain", "")
	v.SetDefault("dns.corefile", "")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	// Metrics defaults
	v.SetDefault("metrics.listen", "127.0.0.1:9142")
}

func (c *Config) normalize() error {
	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine hostname: %w", err)
		}
		c.Hostname = h
	}
	c.DataDir = filepath.Clean(c.DataDir)
	if c.Containerd.EnvPath == "" {
		c.Containerd.EnvPath = hostconfig.DefaultContainerdEnvPath(c.SnapDataDir)
	}
	if c.Relations.PeerID == "" {
		c.Relations.PeerID = c.Relations.Peer + ":0"
	}
	return nil
}

// Validate checks the configuration. The role is deliberately not checked
// here: an invalid role blocks the unit instead of failing to start it.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if !unitPattern.MatchString(c.Unit) {
		return fmt.Errorf("unit: %q must have the form <application>/<number>", c.Unit)
	}
	if _, err := c.Registries(); err != nil {
		return fmt.Errorf("containerd.custom_registries: %w", err)
	}
	return nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, e.Param())
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, e.Param())
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, e.Param())
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}
	return err
}
