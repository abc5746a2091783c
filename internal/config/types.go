package config

import "time"

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Tasks     TasksConfig     `json:"tasks"`
	History   HistoryConfig   `json:"history"`
	Announce  AnnounceConfig  `json:"announce"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`
}

type TasksConfig struct {
	// Path of the task definition file. Created with an empty task list
	// when absent.
	Path string `json:"path"`
	// Watch enables fsnotify-based reload when the file is edited
	// outside the process.
	Watch bool `json:"watch"`
}

type HistoryConfig struct {
	// Driver selects the run journal backend: "none", "file" or "sqlite".
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout"`
}

type AnnounceConfig struct {
	// Channel names the built-in callbacks post to.
	AnnounceChannel string `json:"announce_channel"`
	ReminderChannel string `json:"reminder_channel"`

	// Outbound send rate limit.
	RatePerSec float64 `json:"rate_per_sec"`
	Burst      int     `json:"burst"`
}

// Default returns the configuration used when a field is absent.
func Default() *Config {
	cfg := &Config{}
	cfg.Logging.Level = "INFO"
	cfg.Logging.Console = true
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Timezone = "Local"
	cfg.Tasks.Path = "./tasks.json"
	cfg.Tasks.Watch = true
	cfg.History.Driver = "file"
	cfg.History.Path = "./data/history"
	cfg.History.BusyTimeout = Duration{5 * time.Second}
	cfg.Announce.AnnounceChannel = "general"
	cfg.Announce.ReminderChannel = "general"
	cfg.Announce.RatePerSec = 1
	cfg.Announce.Burst = 5
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = d.Scheduler.Timezone
	}
	if c.Tasks.Path == "" {
		c.Tasks.Path = d.Tasks.Path
	}
	if c.History.Driver == "" {
		c.History.Driver = d.History.Driver
	}
	if c.History.Path == "" {
		c.History.Path = d.History.Path
	}
	if c.History.BusyTimeout.Duration <= 0 {
		c.History.BusyTimeout = d.History.BusyTimeout
	}
	if c.Announce.AnnounceChannel == "" {
		c.Announce.AnnounceChannel = d.Announce.AnnounceChannel
	}
	if c.Announce.ReminderChannel == "" {
		c.Announce.ReminderChannel = d.Announce.ReminderChannel
	}
	if c.Announce.RatePerSec <= 0 {
		c.Announce.RatePerSec = d.Announce.RatePerSec
	}
	if c.Announce.Burst <= 0 {
		c.Announce.Burst = d.Announce.Burst
	}
}
