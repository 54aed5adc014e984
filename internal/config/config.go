// Package config loads vecmem settings from vecmem.yaml, VECMEM_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/vecmem/internal/chunker"
	"github.com/rcliao/vecmem/internal/embedding"
	"github.com/rcliao/vecmem/internal/logger"
	"github.com/rcliao/vecmem/internal/maintenance"
	"github.com/rcliao/vecmem/internal/memory"
)

const (
	EnvPrefix    = "VECMEM"
	FileName     = "vecmem"
	DBFileName   = "memory.db"
	redactedMark = "<redacted>"
)

type Config struct {
	DataDir     string            `yaml:"data_dir" mapstructure:"data_dir"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Embedding   EmbeddingConfig   `yaml:"embedding" mapstructure:"embedding"`
	Index       IndexConfig       `yaml:"index" mapstructure:"index"`
	Chunking    ChunkingConfig    `yaml:"chunking" mapstructure:"chunking"`
	Memory      MemoryConfig      `yaml:"memory" mapstructure:"memory"`
	Maintenance MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type EmbeddingConfig struct {
	Provider   string        `yaml:"provider" mapstructure:"provider"`
	Model      string        `yaml:"model" mapstructure:"model"`
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	Dimensions int           `yaml:"dimensions" mapstructure:"dimensions"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CacheSize  int           `yaml:"cache_size" mapstructure:"cache_size"`
}

type IndexConfig struct {
	Dimension       int     `yaml:"dimension" mapstructure:"dimension"`
	InitialCapacity int     `yaml:"initial_capacity" mapstructure:"initial_capacity"`
	MaxElements     int     `yaml:"max_elements" mapstructure:"max_elements"`
	TombstoneRatio  float64 `yaml:"tombstone_ratio" mapstructure:"tombstone_ratio"`
}

type ChunkingConfig struct {
	TargetSize int `yaml:"target_size" mapstructure:"target_size"`
	Overlap    int `yaml:"overlap" mapstructure:"overlap"`
}

type WeightsConfig struct {
	Similarity float64 `yaml:"similarity" mapstructure:"similarity"`
	Importance float64 `yaml:"importance" mapstructure:"importance"`
	Recency    float64 `yaml:"recency" mapstructure:"recency"`
}

type MemoryConfig struct {
	CacheSize       int           `yaml:"cache_size" mapstructure:"cache_size"`
	DefaultExpiry   time.Duration `yaml:"default_expiry" mapstructure:"default_expiry"`
	MaxImportance   float64       `yaml:"max_importance" mapstructure:"max_importance"`
	SoftCap         int           `yaml:"soft_cap" mapstructure:"soft_cap"`
	PruneThreshold  float64       `yaml:"prune_threshold" mapstructure:"prune_threshold"`
	Overfetch       int           `yaml:"overfetch" mapstructure:"overfetch"`
	DecayFactor     float64       `yaml:"decay_factor" mapstructure:"decay_factor"`
	DecayPeriod     time.Duration `yaml:"decay_period" mapstructure:"decay_period"`
	ReinforceBoost  float64       `yaml:"reinforce_boost" mapstructure:"reinforce_boost"`
	RecencyHalfLife time.Duration `yaml:"recency_half_life" mapstructure:"recency_half_life"`
	Weights         WeightsConfig `yaml:"weights" mapstructure:"weights"`
}

type MaintenanceConfig struct {
	ExpiryInterval     time.Duration `yaml:"expiry_interval" mapstructure:"expiry_interval"`
	DecayInterval      time.Duration `yaml:"decay_interval" mapstructure:"decay_interval"`
	PruneInterval      time.Duration `yaml:"prune_interval" mapstructure:"prune_interval"`
	CompactInterval    time.Duration `yaml:"compact_interval" mapstructure:"compact_interval"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	iv := maintenance.DefaultIntervals()
	return &Config{
		DataDir: filepath.Join(home, ".vecmem"),
		Log:     LogConfig{Level: "info", Format: "text"},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Model:      "nomic-embed-text",
			Dimensions: memory.DefaultDimension,
			Timeout:    memory.DefaultEmbedTimeout,
			CacheSize:  1000,
		},
		Index: IndexConfig{
			InitialCapacity: 1024,
			MaxElements:     1_000_000,
			TombstoneRatio:  memory.DefaultTombstoneRatio,
		},
		Chunking: ChunkingConfig{
			TargetSize: chunker.DefaultTargetSize,
			Overlap:    chunker.DefaultOverlap,
		},
		Memory: MemoryConfig{
			CacheSize:       memory.DefaultCacheSize,
			DefaultExpiry:   memory.DefaultExpiry,
			MaxImportance:   memory.DefaultMaxImportance,
			SoftCap:         memory.DefaultSoftCap,
			PruneThreshold:  memory.DefaultPruneThreshold,
			Overfetch:       memory.DefaultOverfetch,
			DecayFactor:     memory.DefaultDecayFactor,
			DecayPeriod:     memory.DefaultDecayInterval,
			ReinforceBoost:  memory.DefaultReinforceBoost,
			RecencyHalfLife: memory.DefaultRecencyHalfLife,
			Weights:         WeightsConfig{Similarity: 1, Importance: 1, Recency: 1},
		},
		Maintenance: MaintenanceConfig{
			ExpiryInterval:     iv.Expiry,
			DecayInterval:      iv.Decay,
			PruneInterval:      iv.Prune,
			CompactInterval:    iv.Compact,
			CheckpointInterval: iv.Checkpoint,
		},
	}
}

// defaults flattens cfg into viper keys. Durations are stored as strings so
// AllSettings renders them the way a config file would.
func defaults(cfg *Config) map[string]any {
	d := func(v time.Duration) string { return v.String() }
	return map[string]any{
		"data_dir":                        cfg.DataDir,
		"log.level":                       cfg.Log.Level,
		"log.format":                      cfg.Log.Format,
		"embedding.provider":              cfg.Embedding.Provider,
		"embedding.model":                 cfg.Embedding.Model,
		"embedding.base_url":              cfg.Embedding.BaseURL,
		"embedding.api_key":               cfg.Embedding.APIKey,
		"embedding.dimensions":            cfg.Embedding.Dimensions,
		"embedding.timeout":               d(cfg.Embedding.Timeout),
		"embedding.cache_size":            cfg.Embedding.CacheSize,
		"index.dimension":                 cfg.Index.Dimension,
		"index.initial_capacity":          cfg.Index.InitialCapacity,
		"index.max_elements":              cfg.Index.MaxElements,
		"index.tombstone_ratio":           cfg.Index.TombstoneRatio,
		"chunking.target_size":            cfg.Chunking.TargetSize,
		"chunking.overlap":                cfg.Chunking.Overlap,
		"memory.cache_size":               cfg.Memory.CacheSize,
		"memory.default_expiry":           d(cfg.Memory.DefaultExpiry),
		"memory.max_importance":           cfg.Memory.MaxImportance,
		"memory.soft_cap":                 cfg.Memory.SoftCap,
		"memory.prune_threshold":          cfg.Memory.PruneThreshold,
		"memory.overfetch":                cfg.Memory.Overfetch,
		"memory.decay_factor":             cfg.Memory.DecayFactor,
		"memory.decay_period":             d(cfg.Memory.DecayPeriod),
		"memory.reinforce_boost":          cfg.Memory.ReinforceBoost,
		"memory.recency_half_life":        d(cfg.Memory.RecencyHalfLife),
		"memory.weights.similarity":       cfg.Memory.Weights.Similarity,
		"memory.weights.importance":       cfg.Memory.Weights.Importance,
		"memory.weights.recency":          cfg.Memory.Weights.Recency,
		"maintenance.expiry_interval":     d(cfg.Maintenance.ExpiryInterval),
		"maintenance.decay_interval":      d(cfg.Maintenance.DecayInterval),
		"maintenance.prune_interval":      d(cfg.Maintenance.PruneInterval),
		"maintenance.compact_interval":    d(cfg.Maintenance.CompactInterval),
		"maintenance.checkpoint_interval": d(cfg.Maintenance.CheckpointInterval),
	}
}

// Source is a loaded configuration bound to its viper instance.
type Source struct {
	v   *viper.Viper
	log *slog.Logger

	mu  sync.RWMutex
	cfg *Config
}

// Load reads file, or searches ., $XDG_CONFIG_HOME/vecmem and
// ~/.config/vecmem for vecmem.yaml when file is empty. A missing file is
// fine; defaults and VECMEM_* variables still apply.
func Load(file string) (*Source, error) {
	v := viper.New()
	for k, val := range defaults(DefaultConfig()) {
		v.SetDefault(k, val)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "vecmem"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "vecmem"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	s := &Source{v: v, log: logger.ForComponent("config")}
	cfg, err := s.decode()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

func (s *Source) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := s.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Config returns the current configuration.
func (s *Source) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// File returns the config file in use, or "" when running on defaults.
func (s *Source) File() string { return s.v.ConfigFileUsed() }

// SetLogger replaces the logger used for reload messages.
func (s *Source) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log
	}
}

// Watch calls fn with the new configuration whenever the config file
// changes. Invalid edits are logged and ignored. It does nothing when no
// file is in use.
func (s *Source) Watch(fn func(*Config)) {
	if s.File() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := s.decode()
		if err != nil {
			s.log.Warn("config reload rejected", "file", e.Name, "err", err)
			return
		}
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()
		s.log.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	s.v.WatchConfig()
}

// Show writes the effective settings as YAML with secrets redacted.
func (s *Source) Show(w io.Writer) error {
	settings := s.v.AllSettings()
	if emb, ok := settings["embedding"].(map[string]any); ok {
		if key, _ := emb["api_key"].(string); key != "" {
			emb["api_key"] = redactedMark
		}
	}
	settings["data_dir"] = s.Config().DataDir
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	switch c.Embedding.Provider {
	case "", "hash", "ollama", "openai":
	default:
		return fmt.Errorf("config: embedding.provider %q (valid: hash, ollama, openai, or empty to disable)", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" && c.Embedding.BaseURL == "" {
		return fmt.Errorf("config: embedding provider openai requires api_key or base_url")
	}
	if c.Embedding.Dimensions < 0 || c.Index.Dimension < 0 {
		return fmt.Errorf("config: dimensions must not be negative")
	}
	if c.Embedding.Dimensions > 0 && c.Index.Dimension > 0 && c.Embedding.Dimensions != c.Index.Dimension {
		return fmt.Errorf("config: embedding.dimensions %d does not match index.dimension %d",
			c.Embedding.Dimensions, c.Index.Dimension)
	}
	if c.Index.MaxElements < 0 || c.Index.InitialCapacity < 0 {
		return fmt.Errorf("config: index capacities must not be negative")
	}
	if c.Index.InitialCapacity > 0 && c.Index.MaxElements > 0 && c.Index.InitialCapacity > c.Index.MaxElements {
		return fmt.Errorf("config: index.initial_capacity %d exceeds max_elements %d",
			c.Index.InitialCapacity, c.Index.MaxElements)
	}
	if c.Index.TombstoneRatio < 0 || c.Index.TombstoneRatio >= 1 {
		return fmt.Errorf("config: index.tombstone_ratio %v must be in [0, 1)", c.Index.TombstoneRatio)
	}
	if err := c.ChunkOptions().Validate(); err != nil {
		return fmt.Errorf("config: chunking: %w", err)
	}
	if c.Memory.DecayFactor <= 0 || c.Memory.DecayFactor > 1 {
		return fmt.Errorf("config: memory.decay_factor %v must be in (0, 1]", c.Memory.DecayFactor)
	}
	if c.Memory.MaxImportance <= 0 {
		return fmt.Errorf("config: memory.max_importance must be positive")
	}
	if c.Memory.DefaultExpiry < 0 {
		return fmt.Errorf("config: memory.default_expiry must not be negative (0 disables expiry)")
	}
	w := c.Memory.Weights
	if w.Similarity < 0 || w.Importance < 0 || w.Recency < 0 {
		return fmt.Errorf("config: memory.weights must not be negative")
	}
	m := c.Maintenance
	for name, d := range map[string]time.Duration{
		"expiry_interval":     m.ExpiryInterval,
		"decay_interval":      m.DecayInterval,
		"prune_interval":      m.PruneInterval,
		"compact_interval":    m.CompactInterval,
		"checkpoint_interval": m.CheckpointInterval,
	} {
		if d < 0 {
			return fmt.Errorf("config: maintenance.%s must not be negative", name)
		}
	}
	return nil
}

// DBPath is the SQLite file inside the data dir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, DBFileName) }

// IndexPath is the index blob inside the data dir.
func (c *Config) IndexPath() string { return memory.IndexPathIn(c.DataDir) }

func (c *Config) ChunkOptions() chunker.Options {
	return chunker.Options{TargetSize: c.Chunking.TargetSize, Overlap: c.Chunking.Overlap}
}

// LoggerConfig maps the log section onto logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	lc := logger.DefaultConfig()
	lc.Level, _ = logger.ParseLevel(c.Log.Level)
	lc.Format = c.Log.Format
	return lc
}

func (c *Config) EmbeddingOptions() embedding.Options {
	e := c.Embedding
	dims := e.Dimensions
	if dims == 0 {
		dims = c.Index.Dimension
	}
	return embedding.Options{
		Provider:   e.Provider,
		Model:      e.Model,
		BaseURL:    e.BaseURL,
		APIKey:     e.APIKey,
		Dimensions: dims,
		Timeout:    e.Timeout,
		CacheSize:  e.CacheSize,
	}
}

func (c *Config) Weights() memory.Weights {
	w := c.Memory.Weights
	return memory.Weights{Similarity: w.Similarity, Importance: w.Importance, Recency: w.Recency}
}

// MemoryOptions maps the index, chunking and memory sections onto
// memory.Options. A zero default_expiry, soft_cap or reinforce_boost turns
// the feature off.
func (c *Config) MemoryOptions() memory.Options {
	m := c.Memory
	if m.DefaultExpiry == 0 {
		m.DefaultExpiry = -1
	}
	if m.SoftCap == 0 {
		m.SoftCap = -1
	}
	if m.ReinforceBoost == 0 {
		m.ReinforceBoost = -1
	}
	return memory.Options{
		IndexPath:       c.IndexPath(),
		Dimension:       c.Index.Dimension,
		InitialCapacity: c.Index.InitialCapacity,
		MaxElements:     c.Index.MaxElements,
		TombstoneRatio:  c.Index.TombstoneRatio,
		Chunking:        c.ChunkOptions(),
		CacheSize:       m.CacheSize,
		DefaultExpiry:   m.DefaultExpiry,
		MaxImportance:   m.MaxImportance,
		SoftCap:         m.SoftCap,
		PruneThreshold:  m.PruneThreshold,
		Overfetch:       m.Overfetch,
		DecayFactor:     m.DecayFactor,
		DecayInterval:   m.DecayPeriod,
		ReinforceBoost:  m.ReinforceBoost,
		RecencyHalfLife: m.RecencyHalfLife,
		Weights:         c.Weights(),
		EmbedTimeout:    c.Embedding.Timeout,
	}
}

func (c *Config) Intervals() maintenance.Intervals {
	m := c.Maintenance
	return maintenance.Intervals{
		Expiry:     m.ExpiryInterval,
		Decay:      m.DecayInterval,
		Prune:      m.PruneInterval,
		Compact:    m.CompactInterval,
		Checkpoint: m.CheckpointInterval,
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
