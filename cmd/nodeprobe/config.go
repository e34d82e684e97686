package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"nodeprobe/core"
	"nodeprobe/probe"
)

const (
	defaultConcurrency = 10
	maxConcurrency     = 256
	defaultTimeoutMS   = 5000
	maxTimeoutMS       = 120000
)

type appConfig struct {
	Engine   engineConfig   `json:"engine" yaml:"engine" ini:"engine"`
	Test     testConfig     `json:"test" yaml:"test" ini:"test"`
	Geo      geoConfig      `json:"geo" yaml:"geo" ini:"geo"`
	Telegram telegramConfig `json:"telegram" yaml:"telegram" ini:"telegram"`
	Output   outputConfig   `json:"output" yaml:"output" ini:"output"`
}

type engineConfig struct {
	Type         string `json:"type" yaml:"type" ini:"type"`
	Version      string `json:"version" yaml:"version" ini:"version"`
	CacheDir     string `json:"cache_dir" yaml:"cache_dir" ini:"cache_dir"`
	BinaryPath   string `json:"binary_path" yaml:"binary_path" ini:"binary_path"`
	GitHubMirror string `json:"github_mirror" yaml:"github_mirror" ini:"github_mirror"`
	ScratchDir   string `json:"scratch_dir" yaml:"scratch_dir" ini:"scratch_dir"`
	KeepConfig   bool   `json:"keep_config" yaml:"keep_config" ini:"keep_config"`
	WarmUpMS     int    `json:"warm_up_ms" yaml:"warm_up_ms" ini:"warm_up_ms"`
	// Disabled runs basic checks only.
	Disabled bool `json:"disabled" yaml:"disabled" ini:"disabled"`
}

type testConfig struct {
	URL                        string `json:"url" yaml:"url" ini:"url"`
	TimeoutMS                  int    `json:"timeout_ms" yaml:"timeout_ms" ini:"timeout_ms"`
	Concurrency                int    `json:"concurrency" yaml:"concurrency" ini:"concurrency"`
	LatencyCeilingMS           int    `json:"latency_ceiling_ms" yaml:"latency_ceiling_ms" ini:"latency_ceiling_ms"`
	FallbackOnProvisionFailure bool   `json:"fallback_on_provision_failure" yaml:"fallback_on_provision_failure" ini:"fallback_on_provision_failure"`
	FallbackOnCoreError        bool   `json:"fallback_on_core_error" yaml:"fallback_on_core_error" ini:"fallback_on_core_error"`
}

type geoConfig struct {
	Verify        bool   `json:"verify" yaml:"verify" ini:"verify"`
	Correct       bool   `json:"correct" yaml:"correct" ini:"correct"`
	CacheFile     string `json:"cache_file" yaml:"cache_file" ini:"cache_file"`
	CacheTTLHours int    `json:"cache_ttl_hours" yaml:"cache_ttl_hours" ini:"cache_ttl_hours"`
	MMDBPath      string `json:"mmdb_path" yaml:"mmdb_path" ini:"mmdb_path"`
	ASNMMDBPath   string `json:"asn_mmdb_path" yaml:"asn_mmdb_path" ini:"asn_mmdb_path"`
	IPInfoToken   string `json:"ipinfo_token" yaml:"ipinfo_token" ini:"ipinfo_token"`
	// Offline uses only the mmdb databases.
	Offline bool `json:"offline" yaml:"offline" ini:"offline"`
}

type telegramConfig struct {
	BotToken    string `json:"bot_token" yaml:"bot_token" ini:"bot_token"`
	ChatID      int64  `json:"chat_id" yaml:"chat_id" ini:"chat_id"`
	APIEndpoint string `json:"api_endpoint" yaml:"api_endpoint" ini:"api_endpoint"`
}

type outputConfig struct {
	ResultsFile    string `json:"results_file" yaml:"results_file" ini:"results_file"`
	FailedKeysFile string `json:"failed_keys_file" yaml:"failed_keys_file" ini:"failed_keys_file"`
	CorrectedFile  string `json:"corrected_file" yaml:"corrected_file" ini:"corrected_file"`
}

func defaultGeoCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "nodeprobe", "geo-cache.json")
	}
	return filepath.Join(os.TempDir(), "nodeprobe", "geo-cache.json")
}

// loadAppConfig picks the decoder from the file extension: .yaml/.yml,
// .ini/.conf, anything else is JSON. An empty path yields defaults.
// Environment overrides apply on top of the file and override on top of
// both, before validation.
func loadAppConfig(path string, override func(*appConfig)) (*appConfig, error) {
	cfg := &appConfig{}
	if strings.TrimSpace(path) != "" {
		var err error
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = loadYAMLConfig(path, cfg)
		case ".ini", ".conf":
			err = loadINIConfig(path, cfg)
		default:
			err = loadJSONConfig(path, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if override != nil {
		override(cfg)
	}
	if err := normalizeAndValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadJSONConfig(path string, cfg *appConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, cfg)
}

func loadYAMLConfig(path string, cfg *appConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func loadINIConfig(path string, cfg *appConfig) error {
	file, err := ini.Load(path)
	if err != nil {
		return err
	}
	return file.MapTo(cfg)
}

// applyEnvOverrides lets secrets live outside the config file.
func applyEnvOverrides(cfg *appConfig) {
	if v := strings.TrimSpace(os.Getenv("NODEPROBE_GITHUB_MIRROR")); v != "" {
		cfg.Engine.GitHubMirror = v
	}
	if v := strings.TrimSpace(os.Getenv("NODEPROBE_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("NODEPROBE_TELEGRAM_CHAT_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := strings.TrimSpace(os.Getenv("NODEPROBE_IPINFO_TOKEN")); v != "" {
		cfg.Geo.IPInfoToken = v
	}
}

func normalizeAndValidateConfig(cfg *appConfig) error {
	engine, err := core.ParseEngine(cfg.Engine.Type)
	if err != nil {
		return err
	}
	cfg.Engine.Type = string(engine)
	cfg.Engine.Version = strings.TrimSpace(cfg.Engine.Version)
	cfg.Engine.BinaryPath = strings.TrimSpace(cfg.Engine.BinaryPath)
	if err := normalizeMirror(&cfg.Engine.GitHubMirror); err != nil {
		return err
	}
	if cfg.Engine.WarmUpMS < 0 {
		return fmt.Errorf("engine warm_up_ms must not be negative")
	}

	if cfg.Test.URL == "" {
		cfg.Test.URL = probe.DefaultTestURL
	}
	u, err := url.Parse(cfg.Test.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid test url %q", cfg.Test.URL)
	}
	if cfg.Test.TimeoutMS <= 0 {
		cfg.Test.TimeoutMS = defaultTimeoutMS
	}
	if cfg.Test.TimeoutMS > maxTimeoutMS {
		return fmt.Errorf("test timeout_ms %d exceeds %d", cfg.Test.TimeoutMS, maxTimeoutMS)
	}
	if cfg.Test.Concurrency <= 0 {
		cfg.Test.Concurrency = defaultConcurrency
	}
	if cfg.Test.Concurrency > maxConcurrency {
		return fmt.Errorf("test concurrency %d exceeds %d", cfg.Test.Concurrency, maxConcurrency)
	}
	if cfg.Test.LatencyCeilingMS < 0 {
		return fmt.Errorf("test latency_ceiling_ms must not be negative")
	}

	if cfg.Geo.Correct {
		cfg.Geo.Verify = true
	}
	if cfg.Geo.CacheFile == "" {
		cfg.Geo.CacheFile = defaultGeoCachePath()
	}
	if cfg.Geo.CacheTTLHours < 0 {
		return fmt.Errorf("geo cache_ttl_hours must not be negative")
	}
	if cfg.Geo.Offline && cfg.Geo.MMDBPath == "" {
		return fmt.Errorf("geo offline mode needs mmdb_path")
	}

	cfg.Telegram.BotToken = strings.TrimSpace(cfg.Telegram.BotToken)
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram chat_id is required when bot_token is set")
	}
	return nil
}

func normalizeMirror(raw *string) error {
	v := strings.TrimSpace(*raw)
	if v == "" {
		*raw = ""
		return nil
	}
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return fmt.Errorf("invalid github mirror %q: must start with http:// or https://", v)
	}
	*raw = strings.TrimRight(v, "/") + "/"
	return nil
}

func (c *appConfig) timeout() time.Duration {
	return time.Duration(c.Test.TimeoutMS) * time.Millisecond
}

func (c *appConfig) warmUp() time.Duration {
	return time.Duration(c.Engine.WarmUpMS) * time.Millisecond
}

func (c *appConfig) latencyCeiling() time.Duration {
	return time.Duration(c.Test.LatencyCeilingMS) * time.Millisecond
}

func (c *appConfig) cacheTTL() time.Duration {
	return time.Duration(c.Geo.CacheTTLHours) * time.Hour
}
