package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flowproxy/logger"

	"github.com/spf13/viper"
)

type DefaultPaths struct {
	ConfigDir    string
	LogPathApp   string
	LogPathProxy string
	CACertPath   string
	CAKeyPath    string
	DBPath       string
	LogLevel     string
}

// RuleConfig is one interception rule as written in the config file.
type RuleConfig struct {
	Phase     string `mapstructure:"phase"`
	Action    string `mapstructure:"action"`
	Host      string `mapstructure:"host"`
	PathRegex string `mapstructure:"path_regex"`
	Method    string `mapstructure:"method"`
}

type Configuration struct {
	Database struct {
		Path    string `mapstructure:"path"`
		Enabled bool   `mapstructure:"enabled"`
	} `mapstructure:"database"`
	Server struct {
		Port    string `mapstructure:"port"`
		LogPath string `mapstructure:"log_path"`
	} `mapstructure:"server"`
	Proxy struct {
		Port                  string        `mapstructure:"port"`
		Mode                  string        `mapstructure:"mode"`
		ReverseTarget         string        `mapstructure:"reverse_target"`
		CACertPath            string        `mapstructure:"ca_cert_path"`
		CAKeyPath             string        `mapstructure:"ca_key_path"`
		CertFile              string        `mapstructure:"cert_file"`
		ClientCertsDir        string        `mapstructure:"client_certs_dir"`
		UpstreamSkipTLSVerify bool          `mapstructure:"upstream_skip_tls_verify"`
		ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
		BodySizeLimit         int64         `mapstructure:"body_size_limit"`
		LogPath               string        `mapstructure:"log_path"`
		Pool                  struct {
			MaxIdle     int           `mapstructure:"max_idle"`
			IdleTimeout time.Duration `mapstructure:"idle_timeout"`
			MaxLifetime time.Duration `mapstructure:"max_lifetime"`
		} `mapstructure:"pool"`
		Rules []RuleConfig `mapstructure:"rules"`
	} `mapstructure:"proxy"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

var AppConfig Configuration

func expandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// ExpandTilde resolves a leading ~ against the user's home directory.
func ExpandTilde(path string) (string, error) {
	return expandTilde(path)
}

func GetDefaultConfigPaths() DefaultPaths {
	var paths DefaultPaths
	userConfigDirBase, err := os.UserConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not get user config dir: %v. Using current directory.\n", err)
		userConfigDirBase = "."
	}

	userConfigDir, err := expandTilde(userConfigDirBase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in user config dir '%s': %v. Using potentially literal path.\n", userConfigDirBase, err)
		userConfigDir = userConfigDirBase
	}

	paths.ConfigDir = filepath.Join(userConfigDir, "flowproxy")
	logDir := filepath.Join(paths.ConfigDir, "logs")

	paths.LogPathApp = filepath.Join(logDir, "app.log")
	paths.LogPathProxy = filepath.Join(logDir, "proxy.log")
	paths.CACertPath = filepath.Join(paths.ConfigDir, "flowproxy-ca.crt")
	paths.CAKeyPath = filepath.Join(paths.ConfigDir, "flowproxy-ca.key")
	paths.DBPath = filepath.Join(paths.ConfigDir, "flows.db")
	paths.LogLevel = "INFO"
	return paths
}

func setDefaults(v *viper.Viper, defaults DefaultPaths) {
	v.SetDefault("database.path", defaults.DBPath)
	v.SetDefault("database.enabled", true)
	v.SetDefault("server.port", "8778")
	v.SetDefault("server.log_path", defaults.LogPathApp)
	v.SetDefault("proxy.port", "8777")
	v.SetDefault("proxy.mode", "regular")
	v.SetDefault("proxy.reverse_target", "")
	v.SetDefault("proxy.ca_cert_path", defaults.CACertPath)
	v.SetDefault("proxy.ca_key_path", defaults.CAKeyPath)
	v.SetDefault("proxy.cert_file", "")
	v.SetDefault("proxy.client_certs_dir", "")
	v.SetDefault("proxy.upstream_skip_tls_verify", false) // Default to secure: verify TLS
	v.SetDefault("proxy.connect_timeout", 10*time.Second)
	v.SetDefault("proxy.body_size_limit", 0)
	v.SetDefault("proxy.log_path", defaults.LogPathProxy)
	v.SetDefault("proxy.pool.max_idle", 1)
	v.SetDefault("proxy.pool.idle_timeout", 90*time.Second)
	v.SetDefault("proxy.pool.max_lifetime", 10*time.Minute)
	v.SetDefault("logging.level", defaults.LogLevel)
}

// load reads configuration into a fresh Configuration without touching
// loggers or the filesystem.
func load(cfgFile string) (Configuration, string, error) {
	v := viper.New()
	defaults := GetDefaultConfigPaths()
	setDefaults(v, defaults)

	if cfgFile != "" {
		expandedCfgFile, err := expandTilde(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in config file path '%s': %v. Trying original path.\n", cfgFile, err)
			expandedCfgFile = cfgFile
		}
		v.SetConfigFile(expandedCfgFile)
		v.SetConfigType("yaml")
	} else {
		v.AddConfigPath(defaults.ConfigDir)
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("FLOWPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configUsedMsg := "Using default/environment configuration."
	readErr := v.ReadInConfig()
	if readErr == nil {
		configUsedMsg = fmt.Sprintf("Using config file: %s", v.ConfigFileUsed())
	} else if _, ok := readErr.(viper.ConfigFileNotFoundError); ok {
		readErr = nil
	} else if cfgFile == "" {
		fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", v.ConfigFileUsed(), readErr)
		readErr = nil
	}
	if readErr != nil {
		return Configuration{}, "", fmt.Errorf("reading config file %s: %w", cfgFile, readErr)
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return Configuration{}, "", fmt.Errorf("unable to decode config into struct: %w", err)
	}

	for _, p := range []*string{&cfg.Database.Path, &cfg.Server.LogPath, &cfg.Proxy.LogPath,
		&cfg.Proxy.CACertPath, &cfg.Proxy.CAKeyPath, &cfg.Proxy.CertFile, &cfg.Proxy.ClientCertsDir} {
		expanded, err := expandTilde(*p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in '%s': %v.\n", *p, err)
			continue
		}
		*p = expanded
	}
	return cfg, configUsedMsg, nil
}

func Init(cfgFile string, flagAppLogPath, flagProxyLogPath, flagLogLevel string) error {
	cfg, configUsedMsg, err := load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: %v\n", err)
		return err
	}
	AppConfig = cfg

	// Apply flag overrides
	if flagAppLogPath != "" {
		expandedPath, err := expandTilde(flagAppLogPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in --app-log path '%s': %v. Using original path.\n", flagAppLogPath, err)
			expandedPath = flagAppLogPath
		}
		AppConfig.Server.LogPath = expandedPath
	}
	if flagProxyLogPath != "" {
		expandedPath, err := expandTilde(flagProxyLogPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in --proxy-log path '%s': %v. Using original path.\n", flagProxyLogPath, err)
			expandedPath = flagProxyLogPath
		}
		AppConfig.Proxy.LogPath = expandedPath
	}
	if flagLogLevel != "" {
		AppConfig.Logging.Level = strings.ToUpper(flagLogLevel)
	}

	if err := os.MkdirAll(GetDefaultConfigPaths().ConfigDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not create main config directory: %v\n", err)
	}

	if err := logger.InitGlobalLoggers(AppConfig.Server.LogPath, AppConfig.Proxy.LogPath, AppConfig.Logging.Level); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to initialize global loggers with final config: %v\n", err)
		return fmt.Errorf("failed to initialize global loggers with final config: %w", err)
	}

	logger.Info(configUsedMsg)
	if AppConfig.Proxy.UpstreamSkipTLSVerify {
		logger.Warn("Upstream TLS certificate verification is DISABLED.")
	}
	if n := len(AppConfig.Proxy.Rules); n > 0 {
		logger.Info("Loaded %d interception rules", n)
	}
	logger.Debug("Final AppConfig Initialized: %+v", AppConfig)
	return nil
}
