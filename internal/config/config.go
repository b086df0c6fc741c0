package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	JWT          JWTConfig
	OIDC         OIDCConfig
	RateLimit    RateLimitConfig
	Gateway      GatewayConfig
	Dispatch     DispatchConfig
	Archive      ArchiveConfig
	Remote       RemoteConfig
	Wayback      WaybackConfig
	Sheets       SheetsConfig
	Container    ContainerConfig
	LogAnalytics LogAnalyticsConfig
	AutoArchiver AutoArchiverConfig
	R2           R2Config
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

// OIDCConfig enables verification of tokens from an OpenID Connect provider.
// The signing keys are discovered from Issuer.
type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type RateLimitConfig struct {
	ArchivePerHour int
	RemotePerHour  int
}

type GatewayConfig struct {
	Enabled bool
}

// DispatchConfig selects how submitted jobs are executed: "inline" runs them
// on a goroutine in this process, "asynq" enqueues them on Redis.
type DispatchConfig struct {
	Mode        string
	Concurrency int
}

type ArchiveConfig struct {
	BatchSize            int
	MaxConcurrency       int
	MaxWaitBudgetSeconds int
	MaxAttempts          int
	BackoffCapSeconds    int
	ProbeTimeoutSeconds  int
	ReportPrefix         string
}

type RemoteConfig struct {
	PollIntervalSeconds int
	LogGraceSeconds     int
	TimeoutMinutes      int
	PullOverheadSeconds int
	Image               string
	CPU                 float64
	MemoryGB            float64
}

type WaybackConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   int // seconds
}

type SheetsConfig struct {
	BaseURL     string
	AccessToken string
}

type ContainerConfig struct {
	BaseURL        string
	SubscriptionID string
	ResourceGroup  string
	Location       string
	APIVersion     string
	AccessToken    string
}

type LogAnalyticsConfig struct {
	BaseURL     string
	WorkspaceID string
	AccessToken string
}

// AutoArchiverConfig locates the archiver when it runs outside the remote
// compute service. InstallMode is one of local, docker or aci.
type AutoArchiverConfig struct {
	InstallMode string
	PythonPath  string
	Path        string
	ConfigPath  string
	Image       string
	WorkDir     string
}

type R2Config struct {
	Endpoint        string
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("SHEETS_ACCESS_TOKEN")
	readSecret("CONTAINER_ACCESS_TOKEN")
	readSecret("LOGANALYTICS_ACCESS_TOKEN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("ratelimit.archive_per_hour", "RATELIMIT_ARCHIVE_PER_HOUR")
	_ = viper.BindEnv("ratelimit.remote_per_hour", "RATELIMIT_REMOTE_PER_HOUR")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("dispatch.mode", "DISPATCH_MODE")
	_ = viper.BindEnv("dispatch.concurrency", "DISPATCH_CONCURRENCY")
	_ = viper.BindEnv("archive.batch_size", "ARCHIVE_BATCH_SIZE")
	_ = viper.BindEnv("archive.max_concurrency", "ARCHIVE_MAX_CONCURRENCY")
	_ = viper.BindEnv("archive.max_wait_budget_seconds", "ARCHIVE_MAX_WAIT_BUDGET_SECONDS")
	_ = viper.BindEnv("archive.max_attempts", "ARCHIVE_MAX_ATTEMPTS")
	_ = viper.BindEnv("archive.backoff_cap_seconds", "ARCHIVE_BACKOFF_CAP_SECONDS")
	_ = viper.BindEnv("archive.probe_timeout_seconds", "ARCHIVE_PROBE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("archive.report_prefix", "ARCHIVE_REPORT_PREFIX")
	_ = viper.BindEnv("remote.poll_interval_seconds", "REMOTE_POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("remote.log_grace_seconds", "REMOTE_LOG_GRACE_SECONDS")
	_ = viper.BindEnv("remote.timeout_minutes", "REMOTE_TIMEOUT_MINUTES")
	_ = viper.BindEnv("remote.pull_overhead_seconds", "REMOTE_PULL_OVERHEAD_SECONDS")
	_ = viper.BindEnv("remote.image", "REMOTE_IMAGE")
	_ = viper.BindEnv("remote.cpu", "REMOTE_CPU")
	_ = viper.BindEnv("remote.memory_gb", "REMOTE_MEMORY_GB")
	_ = viper.BindEnv("wayback.base_url", "WAYBACK_BASE_URL")
	_ = viper.BindEnv("wayback.user_agent", "WAYBACK_USER_AGENT")
	_ = viper.BindEnv("wayback.timeout", "WAYBACK_TIMEOUT")
	_ = viper.BindEnv("sheets.base_url", "SHEETS_BASE_URL")
	_ = viper.BindEnv("sheets.access_token", "SHEETS_ACCESS_TOKEN")
	_ = viper.BindEnv("container.base_url", "CONTAINER_BASE_URL")
	_ = viper.BindEnv("container.subscription_id", "CONTAINER_SUBSCRIPTION_ID")
	_ = viper.BindEnv("container.resource_group", "CONTAINER_RESOURCE_GROUP")
	_ = viper.BindEnv("container.location", "CONTAINER_LOCATION")
	_ = viper.BindEnv("container.api_version", "CONTAINER_API_VERSION")
	_ = viper.BindEnv("container.access_token", "CONTAINER_ACCESS_TOKEN")
	_ = viper.BindEnv("loganalytics.base_url", "LOGANALYTICS_BASE_URL")
	_ = viper.BindEnv("loganalytics.workspace_id", "LOGANALYTICS_WORKSPACE_ID")
	_ = viper.BindEnv("loganalytics.access_token", "LOGANALYTICS_ACCESS_TOKEN")
	_ = viper.BindEnv("autoarchiver.install_mode", "AUTOARCHIVER_INSTALL_MODE")
	_ = viper.BindEnv("autoarchiver.python_path", "AUTOARCHIVER_PYTHON_PATH")
	_ = viper.BindEnv("autoarchiver.path", "AUTOARCHIVER_PATH")
	_ = viper.BindEnv("autoarchiver.config_path", "AUTOARCHIVER_CONFIG_PATH")
	_ = viper.BindEnv("autoarchiver.image", "AUTOARCHIVER_IMAGE")
	_ = viper.BindEnv("autoarchiver.work_dir", "AUTOARCHIVER_WORK_DIR")
	_ = viper.BindEnv("r2.endpoint", "R2_ENDPOINT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.archive_per_hour", 20)
	viper.SetDefault("ratelimit.remote_per_hour", 5)
	viper.SetDefault("gateway.enabled", false)
	viper.SetDefault("dispatch.mode", "inline")
	viper.SetDefault("dispatch.concurrency", 4)

	// Batch archiving defaults
	viper.SetDefault("archive.batch_size", 10)
	viper.SetDefault("archive.max_concurrency", 5)
	viper.SetDefault("archive.max_wait_budget_seconds", 25)
	viper.SetDefault("archive.max_attempts", 3)
	viper.SetDefault("archive.backoff_cap_seconds", 8)
	viper.SetDefault("archive.probe_timeout_seconds", 10)
	viper.SetDefault("archive.report_prefix", "reports")

	// Remote compute defaults
	viper.SetDefault("remote.poll_interval_seconds", 5)
	viper.SetDefault("remote.log_grace_seconds", 45)
	viper.SetDefault("remote.timeout_minutes", 180)
	viper.SetDefault("remote.pull_overhead_seconds", 180)
	viper.SetDefault("remote.image", "bellingcat/auto-archiver:latest")
	viper.SetDefault("remote.cpu", 1.0)
	viper.SetDefault("remote.memory_gb", 1.5)

	// Upstream defaults
	viper.SetDefault("wayback.base_url", "https://web.archive.org")
	viper.SetDefault("wayback.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	viper.SetDefault("wayback.timeout", 60)
	viper.SetDefault("sheets.base_url", "https://sheets.googleapis.com/v4")
	viper.SetDefault("container.base_url", "https://management.azure.com")
	viper.SetDefault("container.location", "australiacentral")
	viper.SetDefault("container.api_version", "2023-05-01")
	viper.SetDefault("loganalytics.base_url", "https://api.loganalytics.io/v1")

	// Auto archiver defaults
	viper.SetDefault("autoarchiver.install_mode", "aci")
	viper.SetDefault("autoarchiver.python_path", "python3")
	viper.SetDefault("autoarchiver.image", "bellingcat/auto-archiver")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:   strings.TrimRight(viper.GetString("oidc.issuer"), "/"),
			ClientID: viper.GetString("oidc.client_id"),
		},
		RateLimit: RateLimitConfig{
			ArchivePerHour: viper.GetInt("ratelimit.archive_per_hour"),
			RemotePerHour:  viper.GetInt("ratelimit.remote_per_hour"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Dispatch: DispatchConfig{
			Mode:        viper.GetString("dispatch.mode"),
			Concurrency: viper.GetInt("dispatch.concurrency"),
		},
		Archive: ArchiveConfig{
			BatchSize:            viper.GetInt("archive.batch_size"),
			MaxConcurrency:       viper.GetInt("archive.max_concurrency"),
			MaxWaitBudgetSeconds: viper.GetInt("archive.max_wait_budget_seconds"),
			MaxAttempts:          viper.GetInt("archive.max_attempts"),
			BackoffCapSeconds:    viper.GetInt("archive.backoff_cap_seconds"),
			ProbeTimeoutSeconds:  viper.GetInt("archive.probe_timeout_seconds"),
			ReportPrefix:         viper.GetString("archive.report_prefix"),
		},
		Remote: RemoteConfig{
			PollIntervalSeconds: viper.GetInt("remote.poll_interval_seconds"),
			LogGraceSeconds:     viper.GetInt("remote.log_grace_seconds"),
			TimeoutMinutes:      viper.GetInt("remote.timeout_minutes"),
			PullOverheadSeconds: viper.GetInt("remote.pull_overhead_seconds"),
			Image:               viper.GetString("remote.image"),
			CPU:                 viper.GetFloat64("remote.cpu"),
			MemoryGB:            viper.GetFloat64("remote.memory_gb"),
		},
		Wayback: WaybackConfig{
			BaseURL:   viper.GetString("wayback.base_url"),
			UserAgent: viper.GetString("wayback.user_agent"),
			Timeout:   viper.GetInt("wayback.timeout"),
		},
		Sheets: SheetsConfig{
			BaseURL:     viper.GetString("sheets.base_url"),
			AccessToken: viper.GetString("sheets.access_token"),
		},
		Container: ContainerConfig{
			BaseURL:        viper.GetString("container.base_url"),
			SubscriptionID: viper.GetString("container.subscription_id"),
			ResourceGroup:  viper.GetString("container.resource_group"),
			Location:       viper.GetString("container.location"),
			APIVersion:     viper.GetString("container.api_version"),
			AccessToken:    viper.GetString("container.access_token"),
		},
		LogAnalytics: LogAnalyticsConfig{
			BaseURL:     viper.GetString("loganalytics.base_url"),
			WorkspaceID: viper.GetString("loganalytics.workspace_id"),
			AccessToken: viper.GetString("loganalytics.access_token"),
		},
		AutoArchiver: AutoArchiverConfig{
			InstallMode: viper.GetString("autoarchiver.install_mode"),
			PythonPath:  viper.GetString("autoarchiver.python_path"),
			Path:        viper.GetString("autoarchiver.path"),
			ConfigPath:  viper.GetString("autoarchiver.config_path"),
			Image:       viper.GetString("autoarchiver.image"),
			WorkDir:     viper.GetString("autoarchiver.work_dir"),
		},
		R2: R2Config{
			Endpoint:        viper.GetString("r2.endpoint"),
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
	}

	return cfg, nil
}
