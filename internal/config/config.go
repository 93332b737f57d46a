package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the environment nor a config file sets a value.
const (
	DefaultPort               = 7777
	DefaultRelayDomain        = ".relay"
	DefaultSocketName         = "hexrelay"
	DefaultMessageSocketName  = "hexmsg"
	DefaultMessageIdleTimeout = 3 * time.Minute
	DefaultTickInterval       = 33 * time.Millisecond
	DefaultAdminPort          = 9090
)

// Config holds the plain values injected into the networking core
type Config struct {
	// Mode selects the relay backend (local in-memory or remote Azure Relay)
	Mode Mode `yaml:"mode"`

	// ListenMode forces IP or relay listening, or picks automatically
	ListenMode ListenMode `yaml:"listen_mode"`

	// LogLevel controls logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogFormat is console or json
	LogFormat string `yaml:"log_format"`

	// NetTrace logs every packet at debug level
	NetTrace bool `yaml:"net_trace"`

	// Port is the game port; the relay channel is derived from it
	Port int `yaml:"port"`

	// RelayDomain is the reserved pseudo-domain suffix marking relay hosts
	RelayDomain string `yaml:"relay_domain"`

	// SocketName is the relay socket used for game traffic
	SocketName string `yaml:"socket_name"`

	// MessageSocketName is the relay socket used by the message hub
	MessageSocketName string `yaml:"message_socket_name"`

	// MessageChannel is the relay channel used by the message hub
	MessageChannel uint8 `yaml:"message_channel"`

	// MessageIdleTimeout closes pooled message connections after inactivity
	MessageIdleTimeout time.Duration `yaml:"message_idle_timeout"`

	// TickInterval is the period of the host tick loop
	TickInterval time.Duration `yaml:"tick_interval"`

	// DedicatedServer binds as the dedicated-server identity when no user is logged in
	DedicatedServer bool `yaml:"dedicated_server"`

	// DirectoryURL is the base URL of the listening-address directory (optional)
	DirectoryURL string `yaml:"directory_url"`

	// DirectoryToken is sent as a bearer token to the directory (optional)
	DirectoryToken string `yaml:"directory_token"`

	// AdminPort serves /healthz and /metrics; 0 disables it
	AdminPort int `yaml:"admin_port"`

	// Azure holds Azure Relay settings used in remote mode
	Azure AzureConfig `yaml:"azure"`
}

// AzureConfig holds the Azure Relay namespace and credentials
type AzureConfig struct {
	// RelayNamespace is the Azure Relay namespace name (e.g., "myrelay")
	RelayNamespace string `yaml:"relay_namespace"`

	// KeyName is the shared access policy name
	KeyName string `yaml:"key_name"`

	// Key is the shared access key value
	Key string `yaml:"key"`

	// SubscriptionID and ResourceGroup enable hybrid connection provisioning
	SubscriptionID string `yaml:"subscription_id"`
	ResourceGroup  string `yaml:"resource_group"`
	// UseEntraID authenticates with DefaultAzureCredential instead of a SAS key
	UseEntraID bool `yaml:"use_entra_id"`
}

// Default returns a Config with every default applied
func Default() *Config {
	return &Config{
		Mode:               ModeLocal,
		ListenMode:         ListenAuto,
		LogLevel:           "info",
		LogFormat:          "console",
		Port:               DefaultPort,
		RelayDomain:        DefaultRelayDomain,
		SocketName:         DefaultSocketName,
		MessageSocketName:  DefaultMessageSocketName,
		MessageIdleTimeout: DefaultMessageIdleTimeout,
		TickInterval:       DefaultTickInterval,
		AdminPort:          DefaultAdminPort,
	}
}

// Load creates a Config by reading from environment variables
// and applying defaults where values are not set
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults; environment variables still win
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse decodes YAML over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Mode = Mode(getEnvOrDefault("HEXRELAY_MODE", string(c.Mode)))
	c.ListenMode = ListenMode(getEnvOrDefault("HEXRELAY_LISTEN_MODE", string(c.ListenMode)))
	c.LogLevel = getEnvOrDefault("HEXRELAY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("HEXRELAY_LOG_FORMAT", c.LogFormat)
	c.NetTrace = getEnvBool("HEXRELAY_NET_TRACE", c.NetTrace)
	c.Port = getEnvInt("HEXRELAY_PORT", c.Port)
	c.RelayDomain = getEnvOrDefault("HEXRELAY_RELAY_DOMAIN", c.RelayDomain)
	c.SocketName = getEnvOrDefault("HEXRELAY_SOCKET_NAME", c.SocketName)
	c.MessageSocketName = getEnvOrDefault("HEXRELAY_MESSAGE_SOCKET_NAME", c.MessageSocketName)
	c.MessageIdleTimeout = getEnvDuration("HEXRELAY_MESSAGE_IDLE_TIMEOUT", c.MessageIdleTimeout)
	c.TickInterval = getEnvDuration("HEXRELAY_TICK_INTERVAL", c.TickInterval)
	c.DedicatedServer = getEnvBool("HEXRELAY_DEDICATED_SERVER", c.DedicatedServer)
	c.DirectoryURL = getEnvOrDefault("HEXRELAY_DIRECTORY_URL", c.DirectoryURL)
	c.DirectoryToken = getEnvOrDefault("HEXRELAY_DIRECTORY_TOKEN", c.DirectoryToken)
	c.AdminPort = getEnvInt("HEXRELAY_ADMIN_PORT", c.AdminPort)
	c.Azure.RelayNamespace = getEnvOrDefault("HEXRELAY_RELAY_NAMESPACE", c.Azure.RelayNamespace)
	c.Azure.KeyName = getEnvOrDefault("HEXRELAY_RELAY_KEY_NAME", c.Azure.KeyName)
	c.Azure.Key = getEnvOrDefault("HEXRELAY_RELAY_KEY", c.Azure.Key)
	c.Azure.SubscriptionID = getEnvOrDefault("HEXRELAY_AZURE_SUBSCRIPTION_ID", c.Azure.SubscriptionID)
	c.Azure.ResourceGroup = getEnvOrDefault("HEXRELAY_AZURE_RESOURCE_GROUP", c.Azure.ResourceGroup)
	c.Azure.UseEntraID = getEnvBool("HEXRELAY_AZURE_USE_ENTRA_ID", c.Azure.UseEntraID)
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var problems []string

	if !c.Mode.IsValid() {
		problems = append(problems, fmt.Sprintf("invalid mode %q", c.Mode))
	}
	if !c.ListenMode.IsValid() {
		problems = append(problems, fmt.Sprintf("invalid listen mode %q", c.ListenMode))
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d", c.Port))
	}
	if !strings.HasPrefix(c.RelayDomain, ".") {
		problems = append(problems, "relay domain must start with '.'")
	}
	if c.MessageIdleTimeout <= 0 {
		problems = append(problems, "message idle timeout must be positive")
	}

	if c.Mode == ModeRemote {
		var missing []string
		if c.Azure.RelayNamespace == "" {
			missing = append(missing, "HEXRELAY_RELAY_NAMESPACE")
		}
		if !c.Azure.UseEntraID && c.Azure.KeyName == "" {
			missing = append(missing, "HEXRELAY_RELAY_KEY_NAME")
		}
		if !c.Azure.UseEntraID && c.Azure.Key == "" {
			missing = append(missing, "HEXRELAY_RELAY_KEY")
		}
		if len(missing) > 0 {
			problems = append(problems, "missing required configuration: "+strings.Join(missing, ", "))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}

// getEnvOrDefault retrieves an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
