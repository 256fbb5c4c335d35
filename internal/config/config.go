package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Modules  ModulesConfig  `yaml:"modules" json:"modules"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string        `yaml:"host" json:"host" env:"IMGVAULT_HOST" default:"0.0.0.0"`
	Port           int           `yaml:"port" json:"port" env:"IMGVAULT_PORT" default:"8080"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" env:"IMGVAULT_READ_TIMEOUT" default:"30s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout" env:"IMGVAULT_WRITE_TIMEOUT" default:"60s"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" json:"max_upload_bytes" env:"IMGVAULT_MAX_UPLOAD_BYTES" default:"52428800"`
	TrustedProxies []string      `yaml:"trusted_proxies" json:"trusted_proxies" env:"IMGVAULT_TRUSTED_PROXIES"`
}

// DatabaseConfig holds persistence configuration for stats and events
type DatabaseConfig struct {
	Type          string `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	URL           string `yaml:"url" json:"url" env:"DATABASE_URL"`
	DataDir       string `yaml:"data_dir" json:"data_dir" env:"IMGVAULT_DATA_DIR" default:"./data"`
	DatabasePath  string `yaml:"database_path" json:"database_path" env:"IMGVAULT_DATABASE_PATH"`
	MaxOpenConns  int    `yaml:"max_open_conns" json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns  int    `yaml:"max_idle_conns" json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"5"`
	PersistEvents bool   `yaml:"persist_events" json:"persist_events" env:"IMGVAULT_PERSIST_EVENTS" default:"true"`
}

// ModulesConfig holds module runtime configuration
type ModulesConfig struct {
	Dir               string        `yaml:"dir" json:"dir" env:"IMGVAULT_MODULES_DIR" default:"./modules"`
	CallTimeout       time.Duration `yaml:"call_timeout" json:"call_timeout" env:"IMGVAULT_MODULE_TIMEOUT" default:"30s"`
	StartTimeout      time.Duration `yaml:"start_timeout" json:"start_timeout" env:"IMGVAULT_MODULE_START_TIMEOUT" default:"10s"`
	LoadTimeout       time.Duration `yaml:"load_timeout" json:"load_timeout" env:"IMGVAULT_MODULE_LOAD_TIMEOUT" default:"30s"`
	EnableHotReload   bool          `yaml:"enable_hot_reload" json:"enable_hot_reload" env:"IMGVAULT_MODULE_HOT_RELOAD" default:"true"`
	ReloadDebounce    time.Duration `yaml:"reload_debounce" json:"reload_debounce" env:"IMGVAULT_MODULE_RELOAD_DEBOUNCE" default:"500ms"`
	ExcludePatterns   []string      `yaml:"exclude_patterns" json:"exclude_patterns" env:"IMGVAULT_MODULE_EXCLUDE"`
	InstallDeps       bool          `yaml:"install_dependencies" json:"install_dependencies" env:"IMGVAULT_MODULE_INSTALL_DEPS" default:"false"`
	DependencyCommand []string      `yaml:"dependency_command" json:"dependency_command" env:"IMGVAULT_MODULE_DEP_COMMAND"`
	HostVersion       string        `yaml:"host_version" json:"host_version" env:"IMGVAULT_HOST_VERSION" default:"1.0.0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" json:"level" env:"IMGVAULT_LOG_LEVEL" default:"info"`
	Format       string `yaml:"format" json:"format" env:"IMGVAULT_LOG_FORMAT" default:"text"`
	Output       string `yaml:"output" json:"output" env:"IMGVAULT_LOG_OUTPUT" default:"stdout"`
	FilePath     string `yaml:"file_path" json:"file_path" env:"IMGVAULT_LOG_FILE"`
	EnableColors bool   `yaml:"enable_colors" json:"enable_colors" env:"IMGVAULT_LOG_COLORS" default:"true"`
}

// ConfigManager manages application configuration
type ConfigManager struct {
	config     *Config
	configPath string
	watchers   []ConfigWatcher
	mu         sync.RWMutex
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(oldConfig, newConfig *Config)

var (
	globalConfigManager *ConfigManager
	configOnce          sync.Once
)

// GetConfigManager returns the global configuration manager instance
func GetConfigManager() *ConfigManager {
	configOnce.Do(func() {
		globalConfigManager = NewConfigManager()
	})
	return globalConfigManager
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config:   DefaultConfig(),
		watchers: make([]ConfigWatcher, 0),
	}
}

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			MaxUploadBytes: 50 << 20,
			TrustedProxies: []string{},
		},
		Database: DatabaseConfig{
			Type:          "sqlite",
			DataDir:       "./data",
			MaxOpenConns:  20,
			MaxIdleConns:  5,
			PersistEvents: true,
		},
		Modules: ModulesConfig{
			Dir:               "./modules",
			CallTimeout:       30 * time.Second,
			StartTimeout:      10 * time.Second,
			LoadTimeout:       30 * time.Second,
			EnableHotReload:   true,
			ReloadDebounce:    500 * time.Millisecond,
			ExcludePatterns:   []string{"**/node_modules/**", "**/.*"},
			InstallDeps:       false,
			DependencyCommand: []string{"npm", "install", "--omit=dev", "--no-audit"},
			HostVersion:       "1.0.0",
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "text",
			Output:       "stdout",
			EnableColors: true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func (cm *ConfigManager) LoadConfig(configPath string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig := *cm.config
	cm.configPath = configPath

	newConfig := DefaultConfig()

	if configPath != "" && fileExists(configPath) {
		if err := cm.loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(newConfig); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.applyDerivedConfig(newConfig)

	cm.config = newConfig

	for _, watcher := range cm.watchers {
		go watcher(&oldConfig, newConfig)
	}

	return nil
}

// GetConfig returns a copy of the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	return &configCopy
}

// ConfigPath returns the path the configuration was last loaded from.
func (cm *ConfigManager) ConfigPath() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.configPath
}

// AddWatcher adds a configuration change watcher
func (cm *ConfigManager) AddWatcher(watcher ConfigWatcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

// SaveConfig saves the current configuration to file
func (cm *ConfigManager) SaveConfig() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	return cm.saveToFile(cm.configPath, cm.config)
}

func (cm *ConfigManager) loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func (cm *ConfigManager) saveToFile(path string, config *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (cm *ConfigManager) loadFromEnv(config *Config) error {
	return loadStructFromEnv(reflect.ValueOf(config).Elem())
}

// loadStructFromEnv applies env overrides, and tag defaults to fields still at
// their zero value.
func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" && field.IsZero() {
			envValue = fieldType.Tag.Get("default")
		}

		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %v", field.Type())
		}
		values := strings.Split(value, ",")
		for i, v := range values {
			values[i] = strings.TrimSpace(v)
		}
		field.Set(reflect.ValueOf(values))
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}

func (cm *ConfigManager) validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Type != "sqlite" && config.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", config.Database.Type)
	}

	if config.Database.Type == "postgres" && config.Database.URL == "" {
		return fmt.Errorf("postgres requires database url")
	}

	if config.Modules.Dir == "" {
		return fmt.Errorf("modules directory must be set")
	}

	if config.Modules.CallTimeout <= 0 {
		return fmt.Errorf("invalid module call timeout: %s", config.Modules.CallTimeout)
	}

	if config.Modules.InstallDeps && len(config.Modules.DependencyCommand) == 0 {
		return fmt.Errorf("dependency installation enabled without a command")
	}

	return nil
}

func (cm *ConfigManager) applyDerivedConfig(config *Config) {
	if config.Database.DatabasePath == "" && config.Database.Type == "sqlite" {
		config.Database.DatabasePath = filepath.Join(config.Database.DataDir, "imgvault.db")
	}
	// a process module must be able to finish its handshake
	if config.Modules.LoadTimeout < config.Modules.StartTimeout {
		config.Modules.LoadTimeout = config.Modules.StartTimeout
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Get returns the current global configuration
func Get() *Config {
	return GetConfigManager().GetConfig()
}

// Load loads configuration from the specified path
func Load(configPath string) error {
	return GetConfigManager().LoadConfig(configPath)
}

// AddWatcher adds a global configuration watcher
func AddWatcher(watcher ConfigWatcher) {
	GetConfigManager().AddWatcher(watcher)
}

// Save saves the current configuration
func Save() error {
	return GetConfigManager().SaveConfig()
}
