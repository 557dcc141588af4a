// Package config provides configuration loading and management for GoDRGuard
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// LocalConfig defines local backup settings
type LocalConfig struct {
	BackupDirectory string `yaml:"backupDirectory"`
	MetadataFile    string `yaml:"metadataFile"`
}

// S3Config defines S3 storage settings for offsite artifact copies
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	PathStyle bool   `yaml:"pathStyle"` // Use path-style access for S3
}

// MetadataDBConfig defines MySQL connection settings for metadata database
type MetadataDBConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	AutoMigrate     bool   `yaml:"autoMigrate"`
}

// MetricsConfig defines metrics server settings
type MetricsConfig struct {
	Port string `yaml:"port"`
}

// OrchestratorConfig tunes scheduling, retries and service-level targets
type OrchestratorConfig struct {
	MaxConcurrentJobs int    `yaml:"maxConcurrentJobs"`
	RetryBaseDelay    string `yaml:"retryBaseDelay"`
	RetryMaxDelay     string `yaml:"retryMaxDelay"`
	DefaultMaxRetries int    `yaml:"defaultMaxRetries"`
	StrategyTimeout   string `yaml:"strategyTimeout"`
	RetentionSchedule string `yaml:"retentionSchedule"`
	RTOTarget         string `yaml:"rtoTarget"`
	RPOTarget         string `yaml:"rpoTarget"`
}

// LoggingConfig defines logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// ToolsConfig names the external binaries used by the database strategies
type ToolsConfig struct {
	MySQLDump string `yaml:"mysqldump"`
	PGDump    string `yaml:"pgDump"`
	MySQL     string `yaml:"mysql"`
	PSQL      string `yaml:"psql"`
}

// RestoreTestConfig holds the admin connections used to provision throwaway restore databases
type RestoreTestConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MySQLAdminDSN string `yaml:"mysqlAdminDSN"`
	PostgresAdmin string `yaml:"postgresAdminDSN"`
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	Local        LocalConfig        `yaml:"local"`
	S3           S3Config           `yaml:"s3"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	MetadataDB   MetadataDBConfig   `yaml:"metadata_database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tools        ToolsConfig        `yaml:"tools"`
	RestoreTest  RestoreTestConfig  `yaml:"restoreTest"`
	Debug        bool               `yaml:"debug"`
	ConfigFile   string             `yaml:"-"`
}

// CFG is the global configuration object
var CFG AppConfig

// LoadConfiguration loads the optional YAML file named by CONFIG_FILE, then applies environment overrides
func LoadConfiguration() error {
	CFG = AppConfig{}
	CFG.ConfigFile = getEnvOrDefault("CONFIG_FILE", "")
	if CFG.ConfigFile != "" {
		log.Printf("Loading configuration from %s...", CFG.ConfigFile)
		if err := loadFromFile(CFG.ConfigFile); err != nil {
			return err
		}
	}

	log.Println("Loading configuration from environment variables...")
	loadFromEnvironment()
	setDefaults()

	if CFG.Debug {
		log.Printf("Configuration loaded: %+v\n", CFG)
	}
	return nil
}

// loadFromFile reads the YAML configuration file into CFG
func loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &CFG); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadFromEnvironment overrides CFG with any environment variables that are set
func loadFromEnvironment() {
	CFG.Debug = parseEnvBool("DEBUG", CFG.Debug)

	// Local settings
	CFG.Local.BackupDirectory = getEnvOrDefault("LOCAL_BACKUP_DIRECTORY", CFG.Local.BackupDirectory)
	CFG.Local.MetadataFile = getEnvOrDefault("LOCAL_METADATA_FILE", CFG.Local.MetadataFile)

	// S3 settings
	CFG.S3.Enabled = parseEnvBool("S3_ENABLED", CFG.S3.Enabled)
	CFG.S3.Region = getEnvOrDefault("S3_REGION", CFG.S3.Region)
	CFG.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", CFG.S3.Endpoint)
	CFG.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", CFG.S3.AccessKey)
	CFG.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", CFG.S3.SecretKey)
	CFG.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", CFG.S3.PathStyle)

	// Metadata DB settings
	CFG.MetadataDB.Enabled = parseEnvBool("METADATA_DB_ENABLED", CFG.MetadataDB.Enabled)
	CFG.MetadataDB.Host = getEnvOrDefault("METADATA_DB_HOST", CFG.MetadataDB.Host)
	CFG.MetadataDB.Port = parseEnvInt("METADATA_DB_PORT", CFG.MetadataDB.Port)
	CFG.MetadataDB.Username = getEnvOrDefault("METADATA_DB_USERNAME", CFG.MetadataDB.Username)
	CFG.MetadataDB.Password = getEnvOrDefault("METADATA_DB_PASSWORD", CFG.MetadataDB.Password)
	CFG.MetadataDB.Database = getEnvOrDefault("METADATA_DB_DATABASE", CFG.MetadataDB.Database)
	CFG.MetadataDB.MaxOpenConns = parseEnvInt("METADATA_DB_MAX_OPEN_CONNS", CFG.MetadataDB.MaxOpenConns)
	CFG.MetadataDB.MaxIdleConns = parseEnvInt("METADATA_DB_MAX_IDLE_CONNS", CFG.MetadataDB.MaxIdleConns)
	CFG.MetadataDB.ConnMaxLifetime = getEnvOrDefault("METADATA_DB_CONN_MAX_LIFETIME", CFG.MetadataDB.ConnMaxLifetime)
	CFG.MetadataDB.AutoMigrate = parseEnvBool("METADATA_DB_AUTO_MIGRATE", CFG.MetadataDB.AutoMigrate)

	// Metrics settings
	CFG.Metrics.Port = getEnvOrDefault("METRICS_PORT", CFG.Metrics.Port)

	// Orchestrator settings
	CFG.Orchestrator.MaxConcurrentJobs = parseEnvInt("MAX_CONCURRENT_JOBS", CFG.Orchestrator.MaxConcurrentJobs)
	CFG.Orchestrator.RetryBaseDelay = getEnvOrDefault("RETRY_BASE_DELAY", CFG.Orchestrator.RetryBaseDelay)
	CFG.Orchestrator.RetryMaxDelay = getEnvOrDefault("RETRY_MAX_DELAY", CFG.Orchestrator.RetryMaxDelay)
	CFG.Orchestrator.DefaultMaxRetries = parseEnvInt("DEFAULT_MAX_RETRIES", CFG.Orchestrator.DefaultMaxRetries)
	CFG.Orchestrator.StrategyTimeout = getEnvOrDefault("STRATEGY_TIMEOUT", CFG.Orchestrator.StrategyTimeout)
	CFG.Orchestrator.RetentionSchedule = getEnvOrDefault("RETENTION_SCHEDULE", CFG.Orchestrator.RetentionSchedule)
	CFG.Orchestrator.RTOTarget = getEnvOrDefault("RTO_TARGET", CFG.Orchestrator.RTOTarget)
	CFG.Orchestrator.RPOTarget = getEnvOrDefault("RPO_TARGET", CFG.Orchestrator.RPOTarget)

	// Logging settings
	CFG.Logging.Level = getEnvOrDefault("LOG_LEVEL", CFG.Logging.Level)
	CFG.Logging.Format = getEnvOrDefault("LOG_FORMAT", CFG.Logging.Format)

	// Tool binaries
	CFG.Tools.MySQLDump = getEnvOrDefault("MYSQLDUMP_PATH", CFG.Tools.MySQLDump)
	CFG.Tools.PGDump = getEnvOrDefault("PG_DUMP_PATH", CFG.Tools.PGDump)
	CFG.Tools.MySQL = getEnvOrDefault("MYSQL_PATH", CFG.Tools.MySQL)
	CFG.Tools.PSQL = getEnvOrDefault("PSQL_PATH", CFG.Tools.PSQL)

	// Restore-test settings
	CFG.RestoreTest.Enabled = parseEnvBool("RESTORE_TEST_ENABLED", CFG.RestoreTest.Enabled)
	CFG.RestoreTest.MySQLAdminDSN = getEnvOrDefault("RESTORE_TEST_MYSQL_DSN", CFG.RestoreTest.MySQLAdminDSN)
	CFG.RestoreTest.PostgresAdmin = getEnvOrDefault("RESTORE_TEST_POSTGRES_DSN", CFG.RestoreTest.PostgresAdmin)
}

// setDefaults ensures all config fields have reasonable default values
func setDefaults() {
	if CFG.Local.BackupDirectory == "" {
		CFG.Local.BackupDirectory = "/backups"
	}
	if CFG.Local.MetadataFile == "" {
		CFG.Local.MetadataFile = CFG.Local.BackupDirectory + "/metadata.json"
	}
	if CFG.S3.Region == "" {
		CFG.S3.Region = "us-east-1"
	}
	if CFG.Metrics.Port == "" {
		CFG.Metrics.Port = "8080"
	}

	if CFG.MetadataDB.Enabled {
		if CFG.MetadataDB.Host == "" {
			CFG.MetadataDB.Host = "localhost"
		}
		if CFG.MetadataDB.Port == 0 {
			CFG.MetadataDB.Port = 3306
		}
		if CFG.MetadataDB.Username == "" {
			CFG.MetadataDB.Username = "drguard"
		}
		if CFG.MetadataDB.Database == "" {
			CFG.MetadataDB.Database = "drguard_metadata"
		}
		if CFG.MetadataDB.MaxOpenConns == 0 {
			CFG.MetadataDB.MaxOpenConns = 10
		}
		if CFG.MetadataDB.MaxIdleConns == 0 {
			CFG.MetadataDB.MaxIdleConns = 5
		}
		if CFG.MetadataDB.ConnMaxLifetime == "" {
			CFG.MetadataDB.ConnMaxLifetime = "5m"
		}
	}

	o := &CFG.Orchestrator
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = 4
	}
	if o.RetryBaseDelay == "" {
		o.RetryBaseDelay = "1m"
	}
	if o.RetryMaxDelay == "" {
		o.RetryMaxDelay = "1h"
	}
	if o.DefaultMaxRetries == 0 {
		o.DefaultMaxRetries = 3
	}
	if o.StrategyTimeout == "" {
		o.StrategyTimeout = "2h"
	}
	if o.RetentionSchedule == "" {
		o.RetentionSchedule = "15 * * * *" // Run retention at 15 minutes past every hour
	}
	if o.RTOTarget == "" {
		o.RTOTarget = "4h"
	}
	if o.RPOTarget == "" {
		o.RPOTarget = "24h"
	}

	if CFG.Logging.Level == "" {
		CFG.Logging.Level = "info"
	}
	if CFG.Logging.Format == "" {
		CFG.Logging.Format = "text"
	}

	if CFG.Tools.MySQLDump == "" {
		CFG.Tools.MySQLDump = "mysqldump"
	}
	if CFG.Tools.PGDump == "" {
		CFG.Tools.PGDump = "pg_dump"
	}
	if CFG.Tools.MySQL == "" {
		CFG.Tools.MySQL = "mysql"
	}
	if CFG.Tools.PSQL == "" {
		CFG.Tools.PSQL = "psql"
	}
}

// RetryBase returns the base retry delay
func (o OrchestratorConfig) RetryBase() time.Duration {
	return durationOrDefault(o.RetryBaseDelay, time.Minute)
}

// RetryCap returns the retry delay ceiling
func (o OrchestratorConfig) RetryCap() time.Duration {
	return durationOrDefault(o.RetryMaxDelay, time.Hour)
}

// Timeout returns the default per-strategy execution timeout
func (o OrchestratorConfig) Timeout() time.Duration {
	return durationOrDefault(o.StrategyTimeout, 2*time.Hour)
}

// RTO returns the recovery time objective
func (o OrchestratorConfig) RTO() time.Duration {
	return durationOrDefault(o.RTOTarget, 4*time.Hour)
}

// RPO returns the recovery point objective
func (o OrchestratorConfig) RPO() time.Duration {
	return durationOrDefault(o.RPOTarget, 24*time.Hour)
}

func durationOrDefault(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if defaultValue != "" && os.Getenv("DEBUG") == "true" {
		log.Printf("Environment variable %s not set. Using default: %s", key, defaultValue)
	}
	return defaultValue
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Error parsing %s as bool: %v. Using default value: %t", key, err, defaultValue)
			return defaultValue
		}
		return boolValue
	}
}

func parseEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Error parsing %s as int: %v. Using default value: %d", key, err, defaultValue)
		return defaultValue
	}
	return n
}

// DisplayConfiguration logs the effective configuration with secrets masked
func DisplayConfiguration() {
	log.Println("========== GoDRGuard Configuration ==========")
	log.Printf("Debug Mode: %t", CFG.Debug)
	log.Printf("Config File: %s", CFG.ConfigFile)

	log.Println("\n----- Local Storage -----")
	log.Printf("Backup Directory: %s", CFG.Local.BackupDirectory)
	log.Printf("Metadata File: %s", CFG.Local.MetadataFile)

	log.Println("\n----- S3 Storage -----")
	log.Printf("Enabled: %t", CFG.S3.Enabled)
	if CFG.S3.Enabled {
		log.Printf("Region: %s", CFG.S3.Region)
		log.Printf("Endpoint: %s", CFG.S3.Endpoint)
		log.Printf("Access Key: %s", maskSensitiveInfo(CFG.S3.AccessKey))
		log.Printf("Secret Key: %s", maskSensitiveInfo(CFG.S3.SecretKey))
		log.Printf("Path Style: %t", CFG.S3.PathStyle)
	}

	log.Println("\n----- Metadata Database -----")
	log.Printf("Enabled: %t", CFG.MetadataDB.Enabled)
	if CFG.MetadataDB.Enabled {
		log.Printf("Host: %s:%d", CFG.MetadataDB.Host, CFG.MetadataDB.Port)
		log.Printf("Username: %s", CFG.MetadataDB.Username)
		log.Printf("Password: %s", maskSensitiveInfo(CFG.MetadataDB.Password))
		log.Printf("Database: %s", CFG.MetadataDB.Database)
		log.Printf("Auto Migrate: %t", CFG.MetadataDB.AutoMigrate)
	}

	log.Println("\n----- Orchestrator -----")
	log.Printf("Max Concurrent Jobs: %d", CFG.Orchestrator.MaxConcurrentJobs)
	log.Printf("Retry Delay: %s (max %s)", CFG.Orchestrator.RetryBaseDelay, CFG.Orchestrator.RetryMaxDelay)
	log.Printf("Default Max Retries: %d", CFG.Orchestrator.DefaultMaxRetries)
	log.Printf("Strategy Timeout: %s", CFG.Orchestrator.StrategyTimeout)
	log.Printf("Retention Schedule: %s", CFG.Orchestrator.RetentionSchedule)
	log.Printf("RTO/RPO Targets: %s / %s", CFG.Orchestrator.RTOTarget, CFG.Orchestrator.RPOTarget)

	log.Println("\n----- Restore Test -----")
	log.Printf("Enabled: %t", CFG.RestoreTest.Enabled)
	log.Printf("MySQL Admin DSN: %s", maskSensitiveInfo(CFG.RestoreTest.MySQLAdminDSN))
	log.Printf("Postgres Admin DSN: %s", maskSensitiveInfo(CFG.RestoreTest.PostgresAdmin))

	log.Printf("\nMetrics Port: %s", CFG.Metrics.Port)
	log.Printf("Log Level: %s (%s)", CFG.Logging.Level, CFG.Logging.Format)
	log.Println("==============================================")
}

func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	// Show first and last character, mask the rest
	return info[:2] + "****" + info[len(info)-2:]
}

// ValidateConfig validates the configuration
func ValidateConfig() error {
	if CFG.Local.BackupDirectory == "" {
		return fmt.Errorf("local backup directory must be specified")
	}

	if CFG.S3.Enabled && CFG.S3.Endpoint != "" && (CFG.S3.AccessKey == "" || CFG.S3.SecretKey == "") {
		return fmt.Errorf("S3 access key and secret key must be specified when a custom S3 endpoint is used")
	}

	if CFG.MetadataDB.Enabled {
		if CFG.MetadataDB.Host == "" {
			return fmt.Errorf("metadata database host is required when enabled")
		}
		if CFG.MetadataDB.Username == "" {
			return fmt.Errorf("metadata database username is required when enabled")
		}
		if CFG.MetadataDB.Database == "" {
			return fmt.Errorf("metadata database name is required when enabled")
		}
		if CFG.MetadataDB.ConnMaxLifetime != "" {
			if _, err := time.ParseDuration(CFG.MetadataDB.ConnMaxLifetime); err != nil {
				return fmt.Errorf("invalid metadata database connection max lifetime: %v", err)
			}
		}
	}

	o := CFG.Orchestrator
	if o.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max concurrent jobs must be at least 1")
	}
	if o.DefaultMaxRetries < 0 {
		return fmt.Errorf("default max retries cannot be negative")
	}
	for name, value := range map[string]string{
		"retry base delay": o.RetryBaseDelay,
		"retry max delay":  o.RetryMaxDelay,
		"strategy timeout": o.StrategyTimeout,
		"RTO target":       o.RTOTarget,
		"RPO target":       o.RPOTarget,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %v", name, err)
		}
	}
	if o.RetryBase() > o.RetryCap() {
		return fmt.Errorf("retry base delay %s exceeds retry max delay %s", o.RetryBaseDelay, o.RetryMaxDelay)
	}
	if _, err := cron.ParseStandard(o.RetentionSchedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %v", o.RetentionSchedule, err)
	}

	switch CFG.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", CFG.Logging.Format)
	}

	return nil
}
