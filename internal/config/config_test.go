package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
redis:
  host: redis.internal
database:
  driver: postgres
  host: db.internal
  user: instancer
  password: hunter2
  name: instancer
challenge_host: chall.example.com
admin_token: shhh
`

func TestLoad(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Redis.Host != "redis.internal" || cfg.Redis.Port != DefaultRedisPort {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Database.Port != DefaultPostgresPort {
		t.Fatalf("database port = %d, want the default", cfg.Database.Port)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listen addr = %q, want the default", cfg.ListenAddr)
	}
	if cfg.ResyncIntervalSeconds != DefaultResyncInterval {
		t.Fatalf("resync interval = %d, want the default", cfg.ResyncIntervalSeconds)
	}
	if cfg.ChallengeHost != "chall.example.com" || cfg.AdminToken != "shhh" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, validYAML)

	t.Setenv("INSTANCER_REDIS_HOST", "other-redis")
	t.Setenv("INSTANCER_REDIS_PORT", "6380")
	t.Setenv("INSTANCER_DEV", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Host != "other-redis" || cfg.Redis.Port != 6380 {
		t.Fatalf("redis = %+v, want the env overrides", cfg.Redis)
	}
	if !cfg.Dev {
		t.Fatal("dev flag was not overridden")
	}
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("INSTANCER_REDIS_HOST", "redis.internal")
	t.Setenv("INSTANCER_DB_DRIVER", "sqlite")
	t.Setenv("INSTANCER_DB_PATH", "/tmp/catalog.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Host != "redis.internal" || cfg.Database.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_BadEnvInt(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv("INSTANCER_REDIS_PORT", "not-a-port")

	if _, err := Load(path); err == nil {
		t.Fatal("unparseable env int must fail the load")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		c := Config{
			Redis:    Redis{Host: "redis.internal"},
			Database: Database{Driver: "sqlite", Path: "/tmp/catalog.db"},
		}
		c.applyDefaults()
		return c
	}

	t.Run("valid config returns nil", func(t *testing.T) {
		t.Parallel()
		cfg := valid()
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	tests := map[string]struct {
		modify       func(c *Config)
		wantContains string
	}{
		"empty redis host": {
			modify:       func(c *Config) { c.Redis.Host = "" },
			wantContains: "redis host",
		},
		"redis port out of range": {
			modify:       func(c *Config) { c.Redis.Port = 70000 },
			wantContains: "redis port",
		},
		"unknown driver": {
			modify:       func(c *Config) { c.Database.Driver = "oracle" },
			wantContains: "database driver",
		},
		"sqlite without a path": {
			modify:       func(c *Config) { c.Database.Path = "" },
			wantContains: "database path",
		},
		"postgres without a host": {
			modify: func(c *Config) {
				c.Database = Database{Driver: "postgres", Port: 5432, Name: "instancer"}
			},
			wantContains: "database host",
		},
		"zero resync interval": {
			modify:       func(c *Config) { c.ResyncIntervalSeconds = -1 },
			wantContains: "resync interval",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantContains) {
				t.Fatalf("error %q does not mention %q", err, tc.wantContains)
			}
		})
	}

	t.Run("multiple violations are joined", func(t *testing.T) {
		t.Parallel()
		cfg := valid()
		cfg.Redis.Host = ""
		cfg.Database.Path = ""
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected a validation error")
		}
		for _, want := range []string{"redis host", "database path"} {
			if !strings.Contains(err.Error(), want) {
				t.Fatalf("error %q does not mention %q", err, want)
			}
		}
	})
}
