package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port string
	}
	Log struct {
		Level string
	}
	Storage struct {
		Driver string // memory | redis | postgres
	}
	Database struct {
		DSN string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	JWT struct {
		Secret string
	}
	NATS struct {
		URL     string
		Enabled bool
	}
	Match struct {
		PlayerTTL int `mapstructure:"playerTTL"` // seconds
	}
	Game struct {
		MaxPlayers            int   `mapstructure:"maxPlayers"`
		AllowUnderCardAnyTurn bool  `mapstructure:"allowUnderCardAnyTurn"`
		Seed                  int64 // 0 表示按时间随机
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("match.playerTTL", 300)
	v.SetDefault("game.maxPlayers", 4)
	v.SetDefault("game.allowUnderCardAnyTurn", true)
	v.SetDefault("game.seed", 0)
}

// Load reads path (optional when missing) and TONK_* environment overrides,
// e.g. TONK_SERVER_PORT or TONK_STORAGE_DRIVER.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TONK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for the postgres driver")
	}
	if c.Game.MaxPlayers < 2 || c.Game.MaxPlayers > 4 {
		return fmt.Errorf("game.maxPlayers must be between 2 and 4, got %d", c.Game.MaxPlayers)
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}
	return nil
}
