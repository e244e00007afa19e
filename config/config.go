package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
)

// Duration is a time.Duration written as "90s" or "2h" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// TomlRemote configures the Moltbook API client
type TomlRemote struct {
	BaseURL           string   `toml:"base_url"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	MaxAttempts       int      `toml:"max_attempts"`
}

// TomlJob configures one scheduled job. Paging fields only apply to the
// listing jobs, batch only to profile refreshes.
type TomlJob struct {
	Interval Duration `toml:"interval"`
	PageSize int      `toml:"page_size,omitempty"`
	MaxPages int      `toml:"max_pages,omitempty"`
	Batch    int      `toml:"batch,omitempty"`
	Disabled bool     `toml:"disabled,omitempty"`
}

// TomlAnalyzer configures trends, sentiment and snapshots
type TomlAnalyzer struct {
	Window             Duration `toml:"window"`
	TopWords           int      `toml:"top_words"`
	WordsPerHour       int      `toml:"words_per_hour"`
	StopWords          []string `toml:"stopwords,omitempty"`
	Languages          []string `toml:"languages,omitempty"`
	LanguageConfidence float64  `toml:"language_confidence"`
	Retention          Duration `toml:"retention"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Remote   TomlRemote         `toml:"remote"`
	Jobs     map[string]TomlJob `toml:"jobs"`
	Analyzer TomlAnalyzer       `toml:"analyzer"`
}

// Job names known to the collector, in startup order
var JobNames = []string{"submolts", "posts", "agents", "profiles", "trends", "snapshot", "tidy"}

func defaultJobs() map[string]TomlJob {
	return map[string]TomlJob{
		"submolts": {Interval: Duration{time.Hour}, PageSize: 100, MaxPages: 20},
		"posts":    {Interval: Duration{2 * time.Minute}, PageSize: 50, MaxPages: 2},
		"agents":   {Interval: Duration{30 * time.Minute}, PageSize: 100, MaxPages: 50},
		"profiles": {Interval: Duration{15 * time.Minute}, Batch: 20},
		"trends":   {Interval: Duration{10 * time.Minute}},
		"snapshot": {Interval: Duration{5 * time.Minute}},
		"tidy":     {Interval: Duration{6 * time.Hour}},
	}
}

// Default is the configuration used when no file is given
func Default() *TomlConfig {
	return &TomlConfig{
		Remote: TomlRemote{
			BaseURL:           "https://www.moltbook.com/api/v1",
			Timeout:           Duration{30 * time.Second},
			RequestsPerSecond: 2,
			Burst:             4,
			MaxAttempts:       4,
		},
		Jobs: defaultJobs(),
		Analyzer: TomlAnalyzer{
			Window:             Duration{24 * time.Hour},
			TopWords:           10,
			WordsPerHour:       100,
			LanguageConfidence: 0.5,
			Retention:          Duration{7 * 24 * time.Hour},
		},
	}
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	// Jobs are merged field by field below
	config.Jobs = nil
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	jobs := defaultJobs()
	for name, job := range config.Jobs {
		jobs[name] = mergeJob(job, jobs[name])
	}
	config.Jobs = jobs

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func mergeJob(job TomlJob, defaults TomlJob) TomlJob {
	if job.Interval.Duration == 0 {
		job.Interval = defaults.Interval
	}
	if job.PageSize == 0 {
		job.PageSize = defaults.PageSize
	}
	if job.MaxPages == 0 {
		job.MaxPages = defaults.MaxPages
	}
	if job.Batch == 0 {
		job.Batch = defaults.Batch
	}
	return job
}

// Validate rejects unknown jobs and values the collector cannot run with
func (c *TomlConfig) Validate() error {
	for name, job := range c.Jobs {
		if !lo.Contains(JobNames, name) {
			return fmt.Errorf("unknown job %q, expected one of %v", name, JobNames)
		}
		if job.Interval.Duration <= 0 {
			return fmt.Errorf("job %s: interval must be positive", name)
		}
		if job.PageSize < 0 || job.MaxPages < 0 || job.Batch < 0 {
			return fmt.Errorf("job %s: page_size, max_pages and batch can not be negative", name)
		}
	}
	if c.Analyzer.Window.Duration < time.Hour {
		return fmt.Errorf("analyzer window must be at least an hour, got %s", c.Analyzer.Window.Duration)
	}
	if c.Analyzer.Retention.Duration < 2*c.Analyzer.Window.Duration {
		return fmt.Errorf("analyzer retention must cover two trend windows (%s)", 2*c.Analyzer.Window.Duration)
	}
	if c.Analyzer.LanguageConfidence < 0 || c.Analyzer.LanguageConfidence > 1 {
		return fmt.Errorf("language_confidence must be between 0 and 1")
	}
	return nil
}

// Job returns the configuration of a job, falling back to the defaults
func (c *TomlConfig) Job(name string) TomlJob {
	if job, ok := c.Jobs[name]; ok {
		return job
	}
	return defaultJobs()[name]
}

// EnabledJobs lists the jobs that are not disabled in startup order
func (c *TomlConfig) EnabledJobs() []string {
	return lo.Filter(JobNames, func(name string, _ int) bool {
		return !c.Job(name).Disabled
	})
}
