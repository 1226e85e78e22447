package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "standard configuration",
			cfg: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "testuser",
				Password: "testpass",
				Database: "testdb",
				SSLMode:  "disable",
			},
			want: "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable",
		},
		{
			name: "production configuration",
			cfg: DatabaseConfig{
				Host:     "db.example.com",
				Port:     5433,
				User:     "produser",
				Password: "securepass123",
				Database: "proddb",
				SSLMode:  "require",
			},
			want: "host=db.example.com port=5433 user=produser password=securepass123 dbname=proddb sslmode=require",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ConnectionString(); got != tt.want {
				t.Errorf("DatabaseConfig.ConnectionString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitConfig(t *testing.T) {
	originalWd, _ := os.Getwd()
	defer os.Chdir(originalWd)

	for _, env := range []string{"", "dev", "test", "prod"} {
		t.Run("env="+env, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			if err := InitConfig(env); err != nil {
				t.Fatalf("InitConfig() error = %v", err)
			}
			if got := viper.GetString("SERVER_HOST"); got != "0.0.0.0" {
				t.Errorf("SERVER_HOST = %v, want 0.0.0.0", got)
			}
			if got := viper.GetInt("GRPC_PORT"); got != 50051 {
				t.Errorf("GRPC_PORT = %v, want 50051", got)
			}
			if got := viper.GetString("DB_USER"); got != "monban" {
				t.Errorf("DB_USER = %v, want monban", got)
			}
		})
	}

	t.Run("outside the source tree", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()
		if err := os.Chdir(t.TempDir()); err != nil {
			t.Fatalf("Chdir() error = %v", err)
		}
		defer os.Chdir(originalWd)

		if err := InitConfig("dev"); err != nil {
			t.Fatalf("InitConfig() error = %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		set         map[string]interface{}
		wantErrMsg  string
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with password",
			set:  map[string]interface{}{"DB_PASSWORD": "testpassword"},
			validateCfg: func(t *testing.T, cfg *Config) {
				if cfg.Server.HTTPPort != 8080 || cfg.Server.GRPCPort != 50051 || cfg.Server.MetricsPort != 9090 {
					t.Errorf("Server = %+v", cfg.Server)
				}
				if cfg.Database.Driver != DriverPostgres || cfg.Database.Port != 15432 || cfg.Database.Password != "testpassword" {
					t.Errorf("Database = %+v", cfg.Database)
				}
				if cfg.Database.ConnMaxLifetime != 5*time.Minute {
					t.Errorf("ConnMaxLifetime = %v", cfg.Database.ConnMaxLifetime)
				}
				if !cfg.Cache.Enabled || cfg.Cache.Backend != CacheBackendMemory || cfg.Cache.TTL != 5*time.Minute {
					t.Errorf("Cache = %+v", cfg.Cache)
				}
				if !reflect.DeepEqual(cfg.Authz.SuperRoles, []string{"SUPER_ADMIN"}) || !cfg.Authz.TenantIsolation {
					t.Errorf("Authz = %+v", cfg.Authz)
				}
				if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
					t.Errorf("Log = %+v", cfg.Log)
				}
				if cfg.Telemetry.Enabled || cfg.Telemetry.SampleRatio != 1.0 {
					t.Errorf("Telemetry = %+v", cfg.Telemetry)
				}
			},
		},
		{
			name:       "missing password",
			wantErrMsg: "DB_PASSWORD is required",
		},
		{
			name: "memory driver needs no password",
			set:  map[string]interface{}{"DB_DRIVER": "MEMORY"},
			validateCfg: func(t *testing.T, cfg *Config) {
				if cfg.Database.Driver != DriverMemory {
					t.Errorf("Driver = %v, want memory", cfg.Database.Driver)
				}
			},
		},
		{
			name:       "unknown driver",
			set:        map[string]interface{}{"DB_DRIVER": "mysql"},
			wantErrMsg: "DB_DRIVER",
		},
		{
			name:       "unknown cache backend",
			set:        map[string]interface{}{"DB_DRIVER": "memory", "CACHE_BACKEND": "memcached"},
			wantErrMsg: "CACHE_BACKEND",
		},
		{
			name:       "unknown client IP source",
			set:        map[string]interface{}{"DB_DRIVER": "memory", "CLIENT_IP": "header"},
			wantErrMsg: "CLIENT_IP",
		},
		{
			name: "overrides",
			set: map[string]interface{}{
				"DB_DRIVER":              "memory",
				"CACHE_BACKEND":          "redis",
				"CACHE_TTL":              "30s",
				"REDIS_ADDR":             "cache:6379",
				"AUTHZ_SUPER_ROLES":      "ROOT, OPS ,,",
				"AUTHZ_TENANT_ISOLATION": false,
				"LOG_FORMAT":             "TEXT",
				"RATE_LIMIT":             100,
				"RATE_WINDOW":            "10s",
				"CLIENT_IP":              "Forwarded",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				if cfg.Cache.Backend != CacheBackendRedis || cfg.Cache.TTL != 30*time.Second || cfg.Cache.RedisAddr != "cache:6379" {
					t.Errorf("Cache = %+v", cfg.Cache)
				}
				if !reflect.DeepEqual(cfg.Authz.SuperRoles, []string{"ROOT", "OPS"}) || cfg.Authz.TenantIsolation {
					t.Errorf("Authz = %+v", cfg.Authz)
				}
				if cfg.Log.Format != "text" {
					t.Errorf("Log.Format = %v", cfg.Log.Format)
				}
				if cfg.Server.RateLimit != 100 || cfg.Server.RateWindow != 10*time.Second || cfg.Server.ClientIP != ClientIPForwarded {
					t.Errorf("Server = %+v", cfg.Server)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			SetDefaults()
			for k, v := range tt.set {
				viper.Set(k, v)
			}

			cfg, err := Load()
			if tt.wantErrMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErrMsg) {
					t.Fatalf("Load() error = %v, want %q", err, tt.wantErrMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.validateCfg(t, cfg)
		})
	}
}
