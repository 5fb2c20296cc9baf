package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prsweep/prsweep/internal/model"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Slack     Slack     `yaml:"slack"`
	GitHub    GitHub    `yaml:"github"`
	Channels  []string  `yaml:"channels"`
	Triage    Triage    `yaml:"triage"`
	Reactions Reactions `yaml:"reactions"`
	Output    Output    `yaml:"output"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
}

type Slack struct {
	Subdomain string `yaml:"subdomain"`
	TokenEnv  string `yaml:"token_env"`
	APIURL    string `yaml:"api_url"`
}

type GitHub struct {
	Host         string   `yaml:"host"`
	TokenEnv     string   `yaml:"token_env"`
	APIURL       string   `yaml:"api_url"`
	BotReviewers []string `yaml:"bot_reviewers"`
}

type Triage struct {
	LookbackDays         int      `yaml:"lookback_days"`
	Concurrency          int      `yaml:"concurrency"`
	StaleDraftDays       int      `yaml:"stale_draft_days"`
	AllowReactions       bool     `yaml:"allow_reactions"`
	AllowChannelMessages bool     `yaml:"allow_channel_messages"`
	DMUserIDs            []string `yaml:"dm_user_ids"`
}

// Reactions maps verdict reasons to the emoji the bot adds, plus
// equivalent emoji (left by humans or other bots) that count as an
// existing reaction for that reason.
type Reactions struct {
	Emoji      map[string]string   `yaml:"emoji"`
	Recognized map[string][]string `yaml:"recognized"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for prsweep.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "prsweep")
}

// DataDir returns the XDG data directory for prsweep.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "prsweep")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/prsweep/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'prsweep init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Slack: Slack{
			TokenEnv: "SLACK_TOKEN",
		},
		GitHub: GitHub{
			Host:     "github.com",
			TokenEnv: "GITHUB_TOKEN",
			BotReviewers: []string{
				"cursor",
				"chatgpt-codex-connector",
				"graphite-app",
			},
		},
		Triage: Triage{
			LookbackDays:   4,
			Concurrency:    5,
			StaleDraftDays: 7,
		},
		Reactions: Reactions{
			Emoji: map[string]string{
				string(model.ReasonChangesRequested): "rotating_light",
				string(model.ReasonChecksFailing):    "x",
				string(model.ReasonConflict):         "warning",
				string(model.ReasonStaleDraft):       "hourglass_flowing_sand",
			},
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// StaleDraftAge returns the draft staleness threshold as a duration.
func (c *Config) StaleDraftAge() time.Duration {
	return time.Duration(c.Triage.StaleDraftDays) * 24 * time.Hour
}

// EmojiFor returns the reaction emoji for an attention reason, or ""
// if the reason has no configured emoji.
func (c *Config) EmojiFor(reason model.AttentionReason) string {
	return c.Reactions.Emoji[string(reason)]
}

// RecognizedFor returns the set of emoji that count as an existing
// reaction for a reason: the bot's own emoji plus configured
// equivalents.
func (c *Config) RecognizedFor(reason model.AttentionReason) map[string]struct{} {
	recognized := make(map[string]struct{})
	if emoji := c.EmojiFor(reason); emoji != "" {
		recognized[emoji] = struct{}{}
	}
	for _, emoji := range c.Reactions.Recognized[string(reason)] {
		recognized[emoji] = struct{}{}
	}
	return recognized
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
