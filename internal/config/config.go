// Package config loads the instancer configuration from a YAML file with
// environment overrides, and constructs the shared clients from it.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Defaults applied by Load when the file and environment leave a field unset.
const (
	DefaultListenAddr     = ":8080"
	DefaultRedisPort      = 6379
	DefaultPostgresPort   = 5432
	DefaultResyncInterval = 60
	DefaultGuardPath      = "/tmp/instancer-worker.lock"
)

// Redis holds the connection parameters of the shared Redis instance.
type Redis struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
}

// Database holds the challenge catalog connection parameters. Driver is
// "postgres" in production; "sqlite" keeps local development and CI free of a
// running server, with Path naming the database file.
type Database struct {
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

// Config is the full instancer configuration, shared by the API server and
// the worker.
type Config struct {
	Redis    Redis    `json:"redis"`
	Database Database `json:"database"`

	// InCluster selects in-cluster cluster credentials; when false the
	// kubeconfig at KubeconfigPath (or the client-go default chain) is used.
	InCluster      bool   `json:"in_cluster"`
	KubeconfigPath string `json:"kubeconfig_path"`

	// ListenAddr is the API server bind address.
	ListenAddr string `json:"listen_addr"`
	// ChallengeHost is the public hostname teams connect to for NodePort
	// challenges.
	ChallengeHost string `json:"challenge_host"`
	// AdminToken authorizes the admin API. Empty disables the admin API.
	AdminToken string `json:"admin_token"`

	// ResyncIntervalSeconds throttles full index rebuilds by the worker.
	ResyncIntervalSeconds int `json:"resync_interval"`
	// WorkerGuardPath is the file lock keeping the worker single-flight per
	// host.
	WorkerGuardPath string `json:"worker_guard_path"`

	// Dev enables debug logging.
	Dev bool `json:"dev"`
}

// Load reads the YAML config at path and applies INSTANCER_* environment
// overrides on top, then defaults and validates. A missing file is not an
// error; the environment alone can carry a full configuration.
func Load(path string) (*Config, error) {
	var cfg Config

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides file values from INSTANCER_* environment variables.
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v == "1" || v == "true"
		}
	}

	setString("INSTANCER_REDIS_HOST", &c.Redis.Host)
	setString("INSTANCER_REDIS_PASSWORD", &c.Redis.Password)
	setString("INSTANCER_DB_DRIVER", &c.Database.Driver)
	setString("INSTANCER_DB_HOST", &c.Database.Host)
	setString("INSTANCER_DB_USER", &c.Database.User)
	setString("INSTANCER_DB_PASSWORD", &c.Database.Password)
	setString("INSTANCER_DB_NAME", &c.Database.Name)
	setString("INSTANCER_DB_PATH", &c.Database.Path)
	setString("INSTANCER_LISTEN_ADDR", &c.ListenAddr)
	setString("INSTANCER_CHALLENGE_HOST", &c.ChallengeHost)
	setString("INSTANCER_ADMIN_TOKEN", &c.AdminToken)
	setString("INSTANCER_KUBECONFIG", &c.KubeconfigPath)
	setString("INSTANCER_WORKER_GUARD", &c.WorkerGuardPath)
	setBool("INSTANCER_IN_CLUSTER", &c.InCluster)
	setBool("INSTANCER_DEV", &c.Dev)

	for key, dst := range map[string]*int{
		"INSTANCER_REDIS_PORT":      &c.Redis.Port,
		"INSTANCER_DB_PORT":         &c.Database.Port,
		"INSTANCER_RESYNC_INTERVAL": &c.ResyncIntervalSeconds,
	} {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Port == 0 {
		c.Database.Port = DefaultPostgresPort
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.ResyncIntervalSeconds == 0 {
		c.ResyncIntervalSeconds = DefaultResyncInterval
	}
	if c.WorkerGuardPath == "" {
		c.WorkerGuardPath = DefaultGuardPath
	}
}

// Validate checks the configuration and returns an error describing every
// violation found, using errors.Join so callers can fix all problems in a
// single pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("redis host must not be empty"))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("redis port out of range: %d", c.Redis.Port))
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			errs = append(errs, errors.New("database host must not be empty"))
		}
		if c.Database.Name == "" {
			errs = append(errs, errors.New("database name must not be empty"))
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Errorf("database port out of range: %d", c.Database.Port))
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database path must not be empty for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	if c.ResyncIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("resync interval must be greater than 0, got %d", c.ResyncIntervalSeconds))
	}

	return errors.Join(errs...)
}

// Logger returns the process logger at the configured verbosity.
func (c *Config) Logger() *slog.Logger {
	level := slog.LevelInfo
	if c.Dev {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// RedisClient returns a client for the shared Redis instance.
func (c *Config) RedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port),
		Password: c.Redis.Password,
	})
}

// OpenDatabase opens the catalog database with the configured driver.
func (c *Config) OpenDatabase() (*sql.DB, error) {
	switch c.Database.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Name)
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	case "sqlite":
		db, err := sql.Open("sqlite", c.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", c.Database.Path, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
}

// KubeClients returns the typed and dynamic cluster clients, using in-cluster
// credentials or the configured kubeconfig.
func (c *Config) KubeClients() (kubernetes.Interface, dynamic.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if c.InCluster {
		restCfg, err = rest.InClusterConfig()
	} else {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		if c.KubeconfigPath != "" {
			rules.ExplicitPath = c.KubeconfigPath
		}
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load cluster config: %w", err)
	}

	kube, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build typed client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build dynamic client: %w", err)
	}
	return kube, dyn, nil
}
