// Package config loads cache core configuration from YAML, environment
// variables, and .env files, following the same viper/godotenv layering
// the rest of this module's ancestry uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all cache core configuration.
type Config struct {
	L1          L1Config          `yaml:"l1"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Storage     StorageConfig     `yaml:"storage"`
	Git         GitConfig         `yaml:"git"`
	Merger      MergerConfig      `yaml:"merger"`
	Enhancer    EnhancerConfig    `yaml:"enhancer"`
	Mirror      MirrorConfig      `yaml:"mirror"`
}

// L1Config tunes the in-memory tier: its soft capacity, entry lifetime,
// eviction cadence, and how far InvalidateNode walks the edge graph by
// default.
type L1Config struct {
	Capacity              int           `yaml:"capacity"`
	TTL                   time.Duration `yaml:"ttl"`
	EvictionCheckInterval time.Duration `yaml:"eviction_check_interval"`
	InvalidationDepth     int           `yaml:"invalidation_depth"`
}

// PersistenceConfig controls the write-back scheduler feeding the
// durable tier.
type PersistenceConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Path              string        `yaml:"path"`
	WriteBatchSize    int           `yaml:"write_batch_size"`
	WriteFlushInterval time.Duration `yaml:"write_flush_interval"`
}

// StorageConfig selects and configures the durable relational/KV store.
type StorageConfig struct {
	Type        string `yaml:"type"` // "sqlite" or "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	BoltPath    string `yaml:"bolt_path"`
}

// GitConfig controls how the git context tracker reacts to branch
// switches and new commits.
type GitConfig struct {
	TrackCommits            bool `yaml:"track_commits"`
	NamespaceByBranch       bool `yaml:"namespace_by_branch"`
	PreserveAcrossBranches  bool `yaml:"preserve_across_branches"`
	AutoDetectChanges       bool `yaml:"auto_detect_changes"`
	MaxHistoryDepth         int  `yaml:"max_history_depth"`
}

// MergerConfig tunes the relationship merging pipeline: which strategy
// combines sources, how conflicts and duplicates are resolved, and the
// weights feeding the confidence formula.
type MergerConfig struct {
	MergeStrategy            string             `yaml:"merge_strategy"`
	ConflictResolution       string             `yaml:"conflict_resolution"`
	DeduplicationStrategy    string             `yaml:"deduplication_strategy"`
	ConfidenceThreshold      float64            `yaml:"confidence_threshold"`
	MaxRelationshipsPerSymbol int               `yaml:"max_relationships_per_symbol"`
	SourceWeights            map[string]float64 `yaml:"source_weights"`
	RelationTypeModifiers    map[string]float64 `yaml:"relation_type_modifiers"`
	LocationAccuracyBonus    float64            `yaml:"location_accuracy_bonus"`
	StrictValidation         bool               `yaml:"strict_validation"`
	MaxConcurrentMerges      int                `yaml:"max_concurrent_merges"`
	BatchSizeThreshold       int                `yaml:"batch_size_threshold"`
	MemoryLimitMB            int                `yaml:"memory_limit_mb"`
	FuzzyThreshold           float64            `yaml:"fuzzy_threshold"`
	PositionalTolerance      uint32             `yaml:"positional_tolerance"`
}

// EnhancerConfig bounds the per-symbol LSP fan-out driver.
type EnhancerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
	RatePerSecond      float64       `yaml:"rate_per_second"`
	RateBurst          int           `yaml:"rate_burst"`
	DistributedLimiter bool          `yaml:"distributed_limiter"`
	RedisAddr          string        `yaml:"redis_addr"`
}

// MirrorConfig optionally mirrors the invalidation graph into Neo4j for
// visualization; the invalidation graph itself never depends on it.
type MirrorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Default returns the out-of-the-box configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		L1: L1Config{
			Capacity:              10000,
			TTL:                   30 * time.Minute,
			EvictionCheckInterval: time.Minute,
			InvalidationDepth:     3,
		},
		Persistence: PersistenceConfig{
			Enabled:            true,
			Path:               filepath.Join(homeDir, ".cachecore", "store.db"),
			WriteBatchSize:     100,
			WriteFlushInterval: 2 * time.Second,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLitePath: filepath.Join(homeDir, ".cachecore", "store.db"),
			BoltPath:   filepath.Join(homeDir, ".cachecore", "kv.bolt"),
		},
		Git: GitConfig{
			TrackCommits:           true,
			NamespaceByBranch:      false,
			PreserveAcrossBranches: false,
			AutoDetectChanges:      true,
			MaxHistoryDepth:        50,
		},
		Merger: MergerConfig{
			MergeStrategy:             "weighted_combination",
			ConflictResolution:        "highest_confidence",
			DeduplicationStrategy:     "combined",
			ConfidenceThreshold:       0.3,
			MaxRelationshipsPerSymbol: 200,
			SourceWeights: map[string]float64{
				"semantic":   1.2,
				"structural": 1.0,
				"hybrid":     1.1,
				"cache":      0.9,
			},
			RelationTypeModifiers: map[string]float64{
				"calls":         1.0,
				"inherits_from": 0.95,
				"references":    0.9,
				"contains":      1.1,
				"implements":    0.95,
			},
			LocationAccuracyBonus: 0.05,
			StrictValidation:      true,
			MaxConcurrentMerges:   8,
			BatchSizeThreshold:    500,
			MemoryLimitMB:         256,
			FuzzyThreshold:        0.8,
			PositionalTolerance:   2,
		},
		Enhancer: EnhancerConfig{
			Enabled:        true,
			RequestTimeout: 5 * time.Second,
			MaxConcurrency: 16,
			RatePerSecond:  20,
			RateBurst:      40,
		},
		Mirror: MirrorConfig{
			Enabled: false,
		},
	}
}

// Load reads configuration from an optional YAML file layered under
// defaults, environment variables (CACHECORE_ prefixed), and .env files.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("l1", cfg.L1)
	v.SetDefault("persistence", cfg.Persistence)
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("git", cfg.Git)
	v.SetDefault("merger", cfg.Merger)
	v.SetDefault("enhancer", cfg.Enhancer)
	v.SetDefault("mirror", cfg.Mirror)

	v.SetEnvPrefix("CACHECORE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".cachecore")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".cachecore"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence.
func loadEnvFiles() {
	envFiles := []string{".env.local", ".env", ".env.example"}
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			if err := godotenv.Load(file); err == nil {
				continue
			}
		}
	}

	homeDir, _ := os.UserHomeDir()
	homeEnvFile := filepath.Join(homeDir, ".cachecore", ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		godotenv.Load(homeEnvFile)
	}
}

// applyEnvOverrides applies environment variable overrides to config,
// taking precedence over both the file and viper's own env binding
// (useful for values viper can't infer types for, like durations).
func applyEnvOverrides(cfg *Config) {
	if capacity := os.Getenv("CACHECORE_L1_CAPACITY"); capacity != "" {
		if n, err := strconv.Atoi(capacity); err == nil {
			cfg.L1.Capacity = n
		}
	}
	if ttl := os.Getenv("CACHECORE_L1_TTL_SECONDS"); ttl != "" {
		if n, err := strconv.Atoi(ttl); err == nil {
			cfg.L1.TTL = time.Duration(n) * time.Second
		}
	}

	if storageType := os.Getenv("CACHECORE_STORAGE_TYPE"); storageType != "" {
		cfg.Storage.Type = storageType
	}
	if dsn := os.Getenv("CACHECORE_POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if path := os.Getenv("CACHECORE_SQLITE_PATH"); path != "" {
		cfg.Storage.SQLitePath = expandPath(path)
	}

	if persistPath := os.Getenv("CACHECORE_PERSISTENCE_PATH"); persistPath != "" {
		cfg.Persistence.Path = expandPath(persistPath)
	}
	if enabled := os.Getenv("CACHECORE_PERSISTENCE_ENABLED"); enabled != "" {
		cfg.Persistence.Enabled = enabled == "true"
	}

	if depth := os.Getenv("CACHECORE_GIT_MAX_HISTORY_DEPTH"); depth != "" {
		if n, err := strconv.Atoi(depth); err == nil {
			cfg.Git.MaxHistoryDepth = n
		}
	}
	if preserve := os.Getenv("CACHECORE_GIT_PRESERVE_ACROSS_BRANCHES"); preserve != "" {
		cfg.Git.PreserveAcrossBranches = preserve == "true"
	}

	if strategy := os.Getenv("CACHECORE_MERGER_STRATEGY"); strategy != "" {
		cfg.Merger.MergeStrategy = strategy
	}
	if threshold := os.Getenv("CACHECORE_MERGER_CONFIDENCE_THRESHOLD"); threshold != "" {
		if f, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.Merger.ConfidenceThreshold = f
		}
	}

	if redisAddr := os.Getenv("CACHECORE_REDIS_ADDR"); redisAddr != "" {
		cfg.Enhancer.RedisAddr = redisAddr
		cfg.Enhancer.DistributedLimiter = true
	}

	if neo4jURI := os.Getenv("CACHECORE_NEO4J_URI"); neo4jURI != "" {
		cfg.Mirror.URI = neo4jURI
		cfg.Mirror.Enabled = true
	}
	if neo4jUser := os.Getenv("CACHECORE_NEO4J_USERNAME"); neo4jUser != "" {
		cfg.Mirror.Username = neo4jUser
	}
	if neo4jPass := os.Getenv("CACHECORE_NEO4J_PASSWORD"); neo4jPass != "" {
		cfg.Mirror.Password = neo4jPass
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("l1", c.L1)
	v.Set("persistence", c.Persistence)
	v.Set("storage", c.Storage)
	v.Set("git", c.Git)
	v.Set("merger", c.Merger)
	v.Set("enhancer", c.Enhancer)
	v.Set("mirror", c.Mirror)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
