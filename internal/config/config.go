// Package config loads the tracked .kd/config.json.
//
// Configuration is loaded once per process and treated as immutable.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Built-in read-only preamble prepended to every council prompt.
const DefaultPreamble = "You are a read-only advisor. Do not modify any files, " +
	"do not run commands that change state, and do not invoke git commands that " +
	"write (commit, push, merge, rebase). Respond with analysis only."

const (
	ModeBroadcast  = "broadcast"
	ModeSequential = "sequential"

	ThinkingAuto = "auto"
	ThinkingShow = "show"
	ThinkingHide = "hide"
)

// AgentConfig describes how to invoke one AI CLI backend.
type AgentConfig struct {
	// Binary is the executable name or path.
	Binary string `mapstructure:"binary" json:"binary"`
	// Args are always passed before the prompt.
	Args []string `mapstructure:"args" json:"args,omitempty"`
	// ResumeFlag, when set, is passed with a prior session id to continue a
	// conversation (e.g. "--resume").
	ResumeFlag string `mapstructure:"resume_flag" json:"resume_flag,omitempty"`
	// ResultArgs request the single-result output envelope.
	ResultArgs []string `mapstructure:"result_args" json:"result_args,omitempty"`
	// StreamArgs request the NDJSON stream output format, for backends that
	// support it. Used instead of ResultArgs when a stream file is wanted.
	StreamArgs []string `mapstructure:"stream_args" json:"stream_args,omitempty"`
	// ReadOnlyArgs restrict tool use for advisory invocations, for backends
	// that support per-invocation restrictions.
	ReadOnlyArgs []string `mapstructure:"readonly_args" json:"readonly_args,omitempty"`
	// Parser selects the output envelope: "claude", "codex" or "cursor".
	Parser string `mapstructure:"parser" json:"parser"`
	// Env is merged into the scrubbed child environment.
	Env map[string]string `mapstructure:"env" json:"env,omitempty"`
}

// CouncilConfig holds the council.* keys.
type CouncilConfig struct {
	Members      []string `mapstructure:"members"`
	Timeout      int      `mapstructure:"timeout"`
	AutoMessages *int     `mapstructure:"auto_messages"`
	Mode         string   `mapstructure:"mode"`
	Preamble     string   `mapstructure:"preamble"`
}

// ChatConfig holds the chat.* keys.
type ChatConfig struct {
	ThinkingVisibility string `mapstructure:"thinking_visibility"`
}

// HarnessConfig holds the harness.* keys.
type HarnessConfig struct {
	// Gates are the quality gate commands run when the peasant signals DONE.
	Gates [][]string `mapstructure:"gates"`
	// MaxIterations is the hard cap on harness iterations.
	MaxIterations int `mapstructure:"max_iterations"`
	// MaxBounces caps council review rejections before escalating to the King.
	MaxBounces int `mapstructure:"max_bounces"`
	// AgentTimeout bounds one peasant invocation, in seconds.
	AgentTimeout int `mapstructure:"agent_timeout"`
}

// Config is the immutable per-process configuration.
type Config struct {
	Council CouncilConfig          `mapstructure:"council"`
	Chat    ChatConfig             `mapstructure:"chat"`
	Harness HarnessConfig          `mapstructure:"harness"`
	Agents  map[string]AgentConfig `mapstructure:"agents"`
}

// CouncilTimeout returns the council timeout as a duration.
func (c *Config) CouncilTimeout() time.Duration {
	return time.Duration(c.Council.Timeout) * time.Second
}

// AgentTimeout returns the per-invocation harness timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Harness.AgentTimeout) * time.Second
}

// AutoMessages returns the auto-turn budget for a round with the given number
// of unmuted members. When the key is absent it defaults to that count.
func (c *Config) AutoMessages(unmuted int) int {
	if c.Council.AutoMessages == nil {
		return unmuted
	}
	return *c.Council.AutoMessages
}

// Agent resolves a member name to its backend config.
func (c *Config) Agent(name string) (AgentConfig, error) {
	if agent, ok := c.Agents[name]; ok {
		return agent, nil
	}
	return AgentConfig{}, fmt.Errorf("no agent config for %q", name)
}

func defaultAgents() map[string]AgentConfig {
	return map[string]AgentConfig{
		"claude": {
			Binary:       "claude",
			Args:         []string{"-p"},
			ResumeFlag:   "--resume",
			ResultArgs:   []string{"--output-format", "json"},
			StreamArgs:   []string{"--output-format", "stream-json", "--verbose"},
			ReadOnlyArgs: []string{"--allowedTools", "Read,Glob,Grep"},
			Parser:       "claude",
		},
		"codex": {
			Binary:     "codex",
			Args:       []string{"exec"},
			ResumeFlag: "resume",
			ResultArgs: []string{"--json"},
			StreamArgs: []string{"--json"},
			Parser:     "codex",
		},
		"cursor": {
			Binary:     "cursor-agent",
			Args:       []string{"-p"},
			ResumeFlag: "--resume",
			ResultArgs: []string{"--output-format", "stream-json"},
			StreamArgs: []string{"--output-format", "stream-json"},
			Parser:     "cursor",
		},
	}
}

func defaults() *Config {
	return &Config{
		Council: CouncilConfig{
			Members:  []string{"claude", "codex", "cursor"},
			Timeout:  600,
			Mode:     ModeBroadcast,
			Preamble: DefaultPreamble,
		},
		Chat: ChatConfig{ThinkingVisibility: ThinkingAuto},
		Harness: HarnessConfig{
			Gates:         [][]string{{"pytest"}, {"ruff", "check"}},
			MaxIterations: 50,
			MaxBounces:    3,
			AgentTimeout:  1800,
		},
		Agents: defaultAgents(),
	}
}

var knownKeys = map[string]bool{
	"council.members":          true,
	"council.timeout":          true,
	"council.auto_messages":    true,
	"council.mode":             true,
	"council.preamble":         true,
	"chat.thinking_visibility": true,
}

// Load reads the config file at path, applying defaults for absent keys.
// A missing file yields pure defaults. Unknown keys under council. or chat.
// are load errors; typos there change orchestration behavior silently.
func Load(path string) (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := rejectUnknown(v); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func rejectUnknown(v *viper.Viper) error {
	var unknown []string
	for _, key := range v.AllKeys() {
		if !strings.HasPrefix(key, "council.") && !strings.HasPrefix(key, "chat.") {
			continue
		}
		if !knownKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown config keys: %s", strings.Join(unknown, ", "))
}

func (c *Config) validate() error {
	if len(c.Council.Members) == 0 {
		return fmt.Errorf("council.members must not be empty")
	}
	for _, member := range c.Council.Members {
		if _, ok := c.Agents[member]; !ok {
			return fmt.Errorf("council member %q has no agent config", member)
		}
	}
	if c.Council.Timeout <= 0 {
		return fmt.Errorf("council.timeout must be positive")
	}
	if c.Council.AutoMessages != nil && *c.Council.AutoMessages < 0 {
		return fmt.Errorf("council.auto_messages must be >= 0")
	}
	switch c.Council.Mode {
	case ModeBroadcast, ModeSequential:
	default:
		return fmt.Errorf("council.mode must be %q or %q", ModeBroadcast, ModeSequential)
	}
	if strings.TrimSpace(c.Council.Preamble) == "" {
		return fmt.Errorf("council.preamble must not be empty")
	}
	switch c.Chat.ThinkingVisibility {
	case ThinkingAuto, ThinkingShow, ThinkingHide:
	default:
		return fmt.Errorf("chat.thinking_visibility must be auto, show or hide")
	}
	return nil
}
