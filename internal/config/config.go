// Package config holds the typed threadwatch configuration and the
// OS-specific storage path resolution. The on-disk format is TOML;
// unknown keys are ignored and missing keys take defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"threadwatch/internal/logging"
)

// Config is the root configuration object.
type Config struct {
	DebugMode       bool `toml:"debug-mode"`
	UIRedditVisible bool `toml:"ui-reddit-visible"`

	Agent     AgentConfig     `toml:"agent"`
	Reddit    RedditConfig    `toml:"reddit"`
	Headlines HeadlinesConfig `toml:"headlines"`
	User      UserConfig      `toml:"user"`
}

// AgentConfig configures the LLM gateway.
type AgentConfig struct {
	PowerMode      bool         `toml:"power-mode"`
	Ollama         OllamaConfig `toml:"ollama"`
	AllowGraphView bool         `toml:"allow-graph-view"`
}

// OllamaConfig names the models the gateway resolves at startup.
// Family prefixes drive the fallback when the exact model is absent
// from the server inventory.
type OllamaConfig struct {
	Endpoint          string `toml:"endpoint"`
	VisionModel       string `toml:"vision-model"`
	EmbeddingModel    string `toml:"embedding-model"`
	ReasoningModel    string `toml:"reasoning-model"`
	ReasoningFamily   string `toml:"reasoning-family"`
	TranslationModel  string `toml:"translation-model"`
	TranslationFamily string `toml:"translation-family"`
}

// RedditConfig configures the scraping and clustering loop.
type RedditConfig struct {
	Subreddits              []string `toml:"subreddits"`
	UpdateIntervalSeconds   int      `toml:"update-interval-seconds"`
	DataRetentionHours      int      `toml:"data-retention-hours"`
	SignificanceThreshold   float64  `toml:"significance-threshold"`
	InvestigationTTLMinutes int      `toml:"investigation-ttl-minutes"`
	SimilarityThreshold     float64  `toml:"similarity-threshold"`
}

// HeadlinesConfig gates headline generation and topic filtering.
type HeadlinesConfig struct {
	Enabled bool     `toml:"enabled"`
	ShowAll bool     `toml:"show-all"`
	Topics  []string `toml:"topics"`
}

// UserConfig holds user-facing preferences.
type UserConfig struct {
	Language string `toml:"language"`
}

// Default returns the configuration used when keys are missing.
func Default() Config {
	return Config{
		DebugMode:       false,
		UIRedditVisible: true,
		Agent: AgentConfig{
			PowerMode: false,
			Ollama: OllamaConfig{
				Endpoint:          "http://localhost:11434",
				VisionModel:       "glm-ocr:latest",
				EmbeddingModel:    "nomic-embed-text-v2-moe:latest",
				ReasoningModel:    "gemma3:12b",
				ReasoningFamily:   "gemma3",
				TranslationModel:  "gemma3:4b",
				TranslationFamily: "gemma3",
			},
			AllowGraphView: true,
		},
		Reddit: RedditConfig{
			Subreddits:              []string{"wallstreetbetsGER"},
			UpdateIntervalSeconds:   60,
			DataRetentionHours:      6,
			SignificanceThreshold:   10.0,
			InvestigationTTLMinutes: 60,
			SimilarityThreshold:     0.55,
		},
		Headlines: HeadlinesConfig{
			Enabled: true,
			ShowAll: true,
			Topics:  []string{},
		},
		User: UserConfig{
			Language: "de",
		},
	}
}

// Load reads the config file at path. A missing file yields the defaults
// without error; a present file is decoded on top of the defaults so
// absent keys keep their default values. Unknown keys are ignored.
func Load(path string) (Config, error) {
	log := logging.Get(logging.CategoryConfig)

	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infow("config file absent, using defaults", "path", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warnw("ignoring unknown config keys", "keys", fmt.Sprint(undecoded))
	}
	return cfg, nil
}

// Save writes the config atomically: encode to {path}.tmp, fsync, rename.
func Save(path string, cfg Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to stage config: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename config into place: %w", err)
	}
	return nil
}
