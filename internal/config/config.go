// Package config provides configuration structures and loading for importguard.
package config

import "time"

// Config represents the complete application configuration.
type Config struct {
	Destination  DestinationConfig    `yaml:"destination" mapstructure:"destination"`
	Store        StoreConfig          `yaml:"store" mapstructure:"store"`
	Jobs         map[string]JobConfig `yaml:"jobs" mapstructure:"jobs"`
	Import       ImportConfig         `yaml:"import" mapstructure:"import"`
	Retry        RetryConfig          `yaml:"retry" mapstructure:"retry"`
	Polling      PollingConfig        `yaml:"polling" mapstructure:"polling"`
	Probe        ProbeConfig          `yaml:"probe" mapstructure:"probe"`
	Verification VerificationConfig   `yaml:"verification" mapstructure:"verification"`
	Lease        LeaseConfig          `yaml:"lease" mapstructure:"lease"`
	Metrics      MetricsConfig        `yaml:"metrics" mapstructure:"metrics"`
	Logging      LoggingConfig        `yaml:"logging" mapstructure:"logging"`
}

// DestinationConfig selects and configures the remote analytics store.
type DestinationConfig struct {
	Driver      string         `yaml:"driver" mapstructure:"driver"` // mysql or http
	RowIDColumn string         `yaml:"row_id_column" mapstructure:"row_id_column"`
	MySQL       DatabaseConfig `yaml:"mysql" mapstructure:"mysql"`
	HTTP        HTTPConfig     `yaml:"http" mapstructure:"http"`
}

// DatabaseConfig represents a MySQL database connection configuration.
type DatabaseConfig struct {
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Database           string `yaml:"database" mapstructure:"database"`
	TLS                string `yaml:"tls" mapstructure:"tls"` // disable, preferred, required
	MaxConnections     int    `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
}

// HTTPConfig configures the REST destination client.
type HTTPConfig struct {
	BaseURL                 string  `yaml:"base_url" mapstructure:"base_url"`
	Token                   string  `yaml:"token" mapstructure:"token"`
	TimeoutSeconds          int     `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	RequestsPerSecond       float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	BreakerFailureThreshold uint32  `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerTimeoutSeconds   int     `yaml:"breaker_timeout_seconds" mapstructure:"breaker_timeout_seconds"`
}

// StoreConfig selects where table row cursors are persisted.
type StoreConfig struct {
	Driver string         `yaml:"driver" mapstructure:"driver"` // mysql or memory
	MySQL  DatabaseConfig `yaml:"mysql" mapstructure:"mysql"`
}

// JobConfig represents one import job: a local file bound to a destination table.
type JobConfig struct {
	File           string              `yaml:"file" mapstructure:"file"`
	Table          string              `yaml:"table" mapstructure:"table"`
	MatchingColumn string              `yaml:"matching_column" mapstructure:"matching_column"`
	Mode           string              `yaml:"mode" mapstructure:"mode"` // insert or upsert
	Import         *ImportConfig       `yaml:"import,omitempty" mapstructure:"import"`
	Verification   *VerificationConfig `yaml:"verification,omitempty" mapstructure:"verification"`
}

// ImportConfig represents chunked import settings.
type ImportConfig struct {
	ChunkSize          int `yaml:"chunk_size" mapstructure:"chunk_size"`
	TrialSize          int `yaml:"trial_size" mapstructure:"trial_size"`
	SampleSize         int `yaml:"sample_size" mapstructure:"sample_size"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" mapstructure:"call_timeout_seconds"`
}

// RetryConfig is the single retry policy shared by the probe, the job poller
// and the chunk sender.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	DelaySeconds    float64 `yaml:"delay_seconds" mapstructure:"delay_seconds"`
	Multiplier      int     `yaml:"multiplier" mapstructure:"multiplier"`
	MaxDelaySeconds float64 `yaml:"max_delay_seconds" mapstructure:"max_delay_seconds"`
}

// PollingConfig bounds the wait for asynchronous remote jobs.
type PollingConfig struct {
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	IntervalSeconds float64 `yaml:"interval_seconds" mapstructure:"interval_seconds"`
}

// ProbeConfig represents row cursor probing settings.
type ProbeConfig struct {
	Tolerance int64 `yaml:"tolerance" mapstructure:"tolerance"`
}

// VerificationConfig represents trial verification settings.
type VerificationConfig struct {
	SkipVerification      bool    `yaml:"skip_verification" mapstructure:"skip_verification"`
	RequireMatchingColumn bool    `yaml:"require_matching_column" mapstructure:"require_matching_column"`
	TruncationThreshold   int     `yaml:"truncation_threshold" mapstructure:"truncation_threshold"`
	MaxDateShiftHours     float64 `yaml:"max_date_shift_hours" mapstructure:"max_date_shift_hours"`
	FetchChunkSize        int     `yaml:"fetch_chunk_size" mapstructure:"fetch_chunk_size"`
}

// LeaseConfig represents per-table lease settings.
type LeaseConfig struct {
	Disabled       bool `yaml:"disabled" mapstructure:"disabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// MetricsConfig represents metrics output settings.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"` // empty disables
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Destination: DestinationConfig{
			Driver:      "mysql",
			RowIDColumn: "_row_id",
			MySQL: DatabaseConfig{
				Port:               3306,
				TLS:                "preferred",
				MaxConnections:     10,
				MaxIdleConnections: 5,
			},
			HTTP: HTTPConfig{
				TimeoutSeconds:          60,
				RequestsPerSecond:       5,
				Burst:                   5,
				BreakerFailureThreshold: 5,
				BreakerTimeoutSeconds:   30,
			},
		},
		Store: StoreConfig{
			Driver: "mysql",
			MySQL: DatabaseConfig{
				Port:               3306,
				TLS:                "preferred",
				MaxConnections:     2,
				MaxIdleConnections: 1,
			},
		},
		Import: ImportConfig{
			ChunkSize:          500,
			TrialSize:          10,
			SampleSize:         200,
			CallTimeoutSeconds: 120,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			DelaySeconds:    2,
			Multiplier:      1,
			MaxDelaySeconds: 30,
		},
		Polling: PollingConfig{
			MaxAttempts:     60,
			IntervalSeconds: 2,
		},
		Probe: ProbeConfig{
			Tolerance: 1000,
		},
		Verification: VerificationConfig{
			TruncationThreshold: 5,
			MaxDateShiftHours:   24,
			FetchChunkSize:      500,
		},
		Lease: LeaseConfig{
			TimeoutSeconds: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// GetJobImport returns the import config for a job by name, falling back to global if not set.
func (c *Config) GetJobImport(jobName string) ImportConfig {
	job, err := c.GetJob(jobName)
	if err != nil {
		return c.Import
	}
	return job.GetJobImport(c.Import)
}

// GetJobVerification returns the verification config for a job by name, falling back to global if not set.
func (c *Config) GetJobVerification(jobName string) VerificationConfig {
	job, err := c.GetJob(jobName)
	if err != nil {
		return c.Verification
	}
	return job.GetJobVerification(c.Verification)
}

// GetJobImport returns the import config for a job, falling back to global if not set.
func (jc *JobConfig) GetJobImport(global ImportConfig) ImportConfig {
	if jc.Import == nil {
		return global
	}

	result := global
	if jc.Import.ChunkSize > 0 {
		result.ChunkSize = jc.Import.ChunkSize
	}
	if jc.Import.TrialSize > 0 {
		result.TrialSize = jc.Import.TrialSize
	}
	if jc.Import.SampleSize > 0 {
		result.SampleSize = jc.Import.SampleSize
	}
	if jc.Import.CallTimeoutSeconds > 0 {
		result.CallTimeoutSeconds = jc.Import.CallTimeoutSeconds
	}
	return result
}

// GetJobVerification returns the verification config for a job, falling back to global if not set.
func (jc *JobConfig) GetJobVerification(global VerificationConfig) VerificationConfig {
	if jc.Verification == nil {
		return global
	}

	result := global
	if jc.Verification.TruncationThreshold > 0 {
		result.TruncationThreshold = jc.Verification.TruncationThreshold
	}
	if jc.Verification.MaxDateShiftHours > 0 {
		result.MaxDateShiftHours = jc.Verification.MaxDateShiftHours
	}
	if jc.Verification.FetchChunkSize > 0 {
		result.FetchChunkSize = jc.Verification.FetchChunkSize
	}
	result.SkipVerification = jc.Verification.SkipVerification || global.SkipVerification
	result.RequireMatchingColumn = jc.Verification.RequireMatchingColumn || global.RequireMatchingColumn
	return result
}

// CallTimeout returns the per-call remote timeout.
func (ic ImportConfig) CallTimeout() time.Duration {
	return time.Duration(ic.CallTimeoutSeconds) * time.Second
}

// MaxDateShift returns the tolerated date drift as a duration.
func (vc VerificationConfig) MaxDateShift() time.Duration {
	return time.Duration(vc.MaxDateShiftHours * float64(time.Hour))
}

// Delay returns the base retry delay.
func (rc RetryConfig) Delay() time.Duration {
	return time.Duration(rc.DelaySeconds * float64(time.Second))
}

// MaxDelay returns the retry delay ceiling.
func (rc RetryConfig) MaxDelay() time.Duration {
	return time.Duration(rc.MaxDelaySeconds * float64(time.Second))
}

// Interval returns the polling interval.
func (pc PollingConfig) Interval() time.Duration {
	return time.Duration(pc.IntervalSeconds * float64(time.Second))
}
