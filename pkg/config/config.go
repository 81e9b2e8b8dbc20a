package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration.
type Config struct {
	// ListenAddr is the HTTP/websocket bind address.
	ListenAddr string `yaml:"listen_addr"`
	// DataDir holds the bolt database.
	DataDir string `yaml:"data_dir"`
	// Boards is the set of valid board tags.
	Boards []string `yaml:"boards"`
	// StaffBoard's threads are immortal and staff-only.
	StaffBoard string `yaml:"staff_board"`
	// AbbrevReplies is how many trailing replies a board-view snapshot
	// resolves into full posts.
	AbbrevReplies int `yaml:"abbrev_replies"`
	// ThreadsPerPage bounds the number of threads one sync may watch.
	ThreadsPerPage int `yaml:"threads_per_page"`

	// SubIdleTimeout is how long an unused subscription lingers
	// before its upstream channel is torn down.
	SubIdleTimeout time.Duration `yaml:"sub_idle_timeout"`
	// PingInterval is the server-side liveness ping period.
	PingInterval time.Duration `yaml:"ping_interval"`

	// PostRate and PostBurst bound per-client posting throughput
	// (characters per second, burst size).
	PostRate  float64 `yaml:"post_rate"`
	PostBurst int     `yaml:"post_burst"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8000",
		DataDir:        "data",
		Boards:         []string{"moe"},
		StaffBoard:     "staff",
		AbbrevReplies:  5,
		ThreadsPerPage: 10,
		SubIdleTimeout: 30 * time.Second,
		PingInterval:   25 * time.Second,
		PostRate:       50,
		PostBurst:      2000,
		LogLevel:       "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as obscure
// runtime failures.
func (c *Config) Validate() error {
	if len(c.Boards) == 0 {
		return fmt.Errorf("no boards configured")
	}
	if c.AbbrevReplies < 0 {
		return fmt.Errorf("abbrev_replies must be >= 0")
	}
	if c.SubIdleTimeout <= 0 {
		return fmt.Errorf("sub_idle_timeout must be positive")
	}
	for _, b := range c.Boards {
		if b == "" {
			return fmt.Errorf("empty board tag")
		}
	}
	return nil
}

// HasBoard reports whether tag names a configured board.
func (c *Config) HasBoard(tag string) bool {
	if tag == c.StaffBoard {
		return true
	}
	for _, b := range c.Boards {
		if b == tag {
			return true
		}
	}
	return false
}
