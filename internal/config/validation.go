package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateDestination()...)
	errors = append(errors, c.validateStore()...)

	if len(c.Jobs) == 0 {
		errors = append(errors, ValidationError{
			Field:   "jobs",
			Message: "at least one job must be defined",
		})
	}
	for _, name := range c.ListJobs() {
		job := c.Jobs[name]
		errors = append(errors, c.validateJob(name, &job)...)
	}

	errors = append(errors, c.validateImport("import", &c.Import)...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validatePolling()...)
	errors = append(errors, c.validateProbe()...)
	errors = append(errors, c.validateVerification("verification", &c.Verification)...)
	errors = append(errors, c.validateLogging()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateDestination() ValidationErrors {
	var errors ValidationErrors

	switch c.Destination.Driver {
	case "mysql", "":
		errors = append(errors, validateDatabase("destination.mysql", &c.Destination.MySQL)...)
	case "http":
		errors = append(errors, validateHTTP("destination.http", &c.Destination.HTTP)...)
	default:
		errors = append(errors, ValidationError{
			Field:   "destination.driver",
			Message: "driver must be 'mysql' or 'http'",
		})
	}

	if c.Destination.RowIDColumn == "" {
		errors = append(errors, ValidationError{
			Field:   "destination.row_id_column",
			Message: "row_id_column is required",
		})
	}

	return errors
}

func (c *Config) validateStore() ValidationErrors {
	switch c.Store.Driver {
	case "mysql", "":
		return validateDatabase("store.mysql", &c.Store.MySQL)
	case "memory":
		return nil
	default:
		return ValidationErrors{{
			Field:   "store.driver",
			Message: "driver must be 'mysql' or 'memory'",
		}}
	}
}

func validateDatabase(prefix string, db *DatabaseConfig) ValidationErrors {
	var errors ValidationErrors

	if db.Host == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".host",
			Message: "host is required",
		})
	}

	if db.Port <= 0 || db.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".port",
			Message: "port must be between 1 and 65535",
		})
	}

	if db.User == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".user",
			Message: "user is required",
		})
	}

	if db.Database == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".database",
			Message: "database name is required",
		})
	}

	validTLS := map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
	if !validTLS[db.TLS] {
		errors = append(errors, ValidationError{
			Field:   prefix + ".tls",
			Message: "tls must be 'disable', 'preferred', or 'required'",
		})
	}

	if db.MaxConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_connections",
			Message: "max_connections cannot be negative",
		})
	}

	if db.MaxIdleConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_idle_connections",
			Message: "max_idle_connections cannot be negative",
		})
	}

	return errors
}

func validateHTTP(prefix string, h *HTTPConfig) ValidationErrors {
	var errors ValidationErrors

	if h.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".base_url",
			Message: "base_url is required",
		})
	} else if u, err := url.Parse(h.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".base_url",
			Message: "base_url must be an absolute URL",
		})
	}

	if h.TimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".timeout_seconds",
			Message: "timeout_seconds cannot be negative",
		})
	}

	if h.RequestsPerSecond < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".requests_per_second",
			Message: "requests_per_second cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateJob(name string, job *JobConfig) ValidationErrors {
	var errors ValidationErrors
	prefix := fmt.Sprintf("jobs.%s", name)

	if job.File == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".file",
			Message: "file is required",
		})
	}

	if job.Table == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".table",
			Message: "table is required",
		})
	}

	validModes := map[string]bool{"insert": true, "upsert": true, "": true}
	if !validModes[job.Mode] {
		errors = append(errors, ValidationError{
			Field:   prefix + ".mode",
			Message: "mode must be 'insert' or 'upsert'",
		})
	}

	if job.Mode == "upsert" && job.MatchingColumn == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".matching_column",
			Message: "matching_column is required for upsert mode",
		})
	}

	if job.Import != nil {
		errors = append(errors, c.validateImportOverride(prefix+".import", job.Import)...)
	}

	return errors
}

func (c *Config) validateImportOverride(prefix string, ic *ImportConfig) ValidationErrors {
	var errors ValidationErrors

	if ic.ChunkSize < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".chunk_size",
			Message: "chunk_size cannot be negative",
		})
	}
	if ic.TrialSize < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".trial_size",
			Message: "trial_size cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateImport(prefix string, ic *ImportConfig) ValidationErrors {
	var errors ValidationErrors

	if ic.ChunkSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if ic.TrialSize < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".trial_size",
			Message: "trial_size cannot be negative",
		})
	}

	if ic.SampleSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".sample_size",
			Message: "sample_size must be positive",
		})
	}

	if ic.CallTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".call_timeout_seconds",
			Message: "call_timeout_seconds cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateRetry() ValidationErrors {
	var errors ValidationErrors

	if c.Retry.MaxAttempts <= 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Message: "max_attempts must be positive",
		})
	}

	if c.Retry.DelaySeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.delay_seconds",
			Message: "delay_seconds cannot be negative",
		})
	}

	if c.Retry.Multiplier < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.multiplier",
			Message: "multiplier must be >= 1",
		})
	}

	return errors
}

func (c *Config) validatePolling() ValidationErrors {
	var errors ValidationErrors

	if c.Polling.MaxAttempts <= 0 {
		errors = append(errors, ValidationError{
			Field:   "polling.max_attempts",
			Message: "max_attempts must be positive",
		})
	}

	if c.Polling.IntervalSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "polling.interval_seconds",
			Message: "interval_seconds cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateProbe() ValidationErrors {
	if c.Probe.Tolerance <= 0 {
		return ValidationErrors{{
			Field:   "probe.tolerance",
			Message: "tolerance must be positive",
		}}
	}
	return nil
}

func (c *Config) validateVerification(prefix string, vc *VerificationConfig) ValidationErrors {
	var errors ValidationErrors

	if vc.TruncationThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".truncation_threshold",
			Message: "truncation_threshold cannot be negative",
		})
	}

	if vc.MaxDateShiftHours < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_date_shift_hours",
			Message: "max_date_shift_hours cannot be negative",
		})
	}

	if vc.FetchChunkSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".fetch_chunk_size",
			Message: "fetch_chunk_size must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	return errors
}
