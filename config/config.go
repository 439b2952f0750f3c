package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string in TOML, e.g. "100ms"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TomlRelay configures the relays records are fetched from
type TomlRelay struct {
	Hosts        []string `toml:"hosts"`
	UserAgent    string   `toml:"user_agent"`
	DialTimeout  Duration `toml:"dial_timeout"`
	QueryTimeout Duration `toml:"query_timeout"`
}

// TomlSync configures feed synchronization sessions
type TomlSync struct {
	Limit          int      `toml:"limit"`
	Lookback       Duration `toml:"lookback"`
	Window         Duration `toml:"window"` // Debounce window for network arrivals, 0 flushes every record
	CacheTTL       Duration `toml:"cache_ttl"`
	MaxCachedItems int      `toml:"max_cached_items"`
	Workers        int      `toml:"workers"`
	ChunkSize      int      `toml:"chunk_size"`
	StoreTimeout   Duration `toml:"store_timeout"`
}

type TomlStorage struct {
	Database      string `toml:"database"`
	RetentionDays int    `toml:"retention_days"`
}

type TomlCache struct {
	Backend    string `toml:"backend"` // sqlite or memory
	MemorySize int    `toml:"memory_size"`
}

type TomlServer struct {
	Listen       string   `toml:"listen"`
	TidyInterval Duration `toml:"tidy_interval"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Relay   TomlRelay   `toml:"relay"`
	Sync    TomlSync    `toml:"sync"`
	Storage TomlStorage `toml:"storage"`
	Cache   TomlCache   `toml:"cache"`
	Server  TomlServer  `toml:"server"`
}

const (
	CacheBackendSqlite = "sqlite"
	CacheBackendMemory = "memory"
)

// Default returns the configuration used for keys missing from the config file
func Default() *TomlConfig {
	return &TomlConfig{
		Relay: TomlRelay{
			Hosts:        []string{"wss://relay.damus.io", "wss://nos.lol"},
			UserAgent:    "feedsync",
			DialTimeout:  Duration{10 * time.Second},
			QueryTimeout: Duration{15 * time.Second},
		},
		Sync: TomlSync{
			Limit:          50,
			Lookback:       Duration{24 * time.Hour},
			Window:         Duration{100 * time.Millisecond},
			CacheTTL:       Duration{time.Hour},
			MaxCachedItems: 500,
			Workers:        4,
			ChunkSize:      64,
			StoreTimeout:   Duration{30 * time.Second},
		},
		Storage: TomlStorage{
			Database:      "feed.db",
			RetentionDays: 90,
		},
		Cache: TomlCache{
			Backend:    CacheBackendSqlite,
			MemorySize: 1024,
		},
		Server: TomlServer{
			Listen:       ":3000",
			TidyInterval: Duration{time.Hour},
		},
	}
}

// LoadConfig reads the TOML file at path on top of the defaults. An empty
// path returns the defaults.
func LoadConfig(path string) (*TomlConfig, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	md, err := toml.Decode(string(data), config)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in config file: %v", undecoded)
	}

	return config, nil
}

// Validate checks the configuration after flag overrides are applied
func (c *TomlConfig) Validate() error {
	if len(c.Relay.Hosts) == 0 {
		return fmt.Errorf("at least one relay host is required")
	}
	if c.Sync.Limit <= 0 {
		return fmt.Errorf("sync.limit must be positive, got %d", c.Sync.Limit)
	}
	if c.Sync.Window.Duration < 0 {
		return fmt.Errorf("sync.window must not be negative, got %s", c.Sync.Window)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.MaxCachedItems <= 0 {
		return fmt.Errorf("sync.max_cached_items must be positive, got %d", c.Sync.MaxCachedItems)
	}
	if c.Storage.Database == "" {
		return fmt.Errorf("storage.database is required")
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("storage.retention_days must be positive, got %d", c.Storage.RetentionDays)
	}
	switch c.Cache.Backend {
	case CacheBackendSqlite:
	case CacheBackendMemory:
		if c.Cache.MemorySize <= 0 {
			return fmt.Errorf("cache.memory_size must be positive, got %d", c.Cache.MemorySize)
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// Retention is how long stored records are kept
func (c *TomlConfig) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}
