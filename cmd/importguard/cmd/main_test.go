package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func TestExecute(t *testing.T) {
	// Execute() calls os.Exit(1) on error, so only its presence is checked here.
	assert.NotNil(t, Execute)
}

func TestVersionVariables(t *testing.T) {
	assert.NotEmpty(t, Version, "Version should not be empty")
	assert.NotEmpty(t, Commit, "Commit should not be empty")
}

func TestCLIFlagDefaults(t *testing.T) {
	flags := rootCmd.PersistentFlags()

	tests := []struct {
		name string
		def  string
	}{
		{"config", "importguard.yaml"},
		{"log-level", ""},
		{"log-format", ""},
		{"chunk-size", "0"},
		{"trial-size", "0"},
		{"skip-verify", "false"},
		{"no-color", "false"},
	}
	for _, tt := range tests {
		f := flags.Lookup(tt.name)
		if assert.NotNil(t, f, "flag --%s", tt.name) {
			assert.Equal(t, tt.def, f.DefValue, "flag --%s", tt.name)
		}
	}
}

func TestGetCLIOverrides(t *testing.T) {
	defer resetFlags()

	logLevel = "debug"
	logFormat = "text"
	chunkSize = 100
	trialSize = 5
	skipVerify = true

	overrides := GetCLIOverrides()
	assert.Equal(t, CLIOverrides{
		LogLevel:   "debug",
		LogFormat:  "text",
		ChunkSize:  100,
		TrialSize:  5,
		SkipVerify: true,
	}, overrides)
}

func TestCommandsAreRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"import", "verify", "rollback", "candidates", "cursor", "validate", "list-jobs", "version"} {
		assert.True(t, names[want], "%s command should be added to root command", want)
	}

	sub := map[string]bool{}
	for _, c := range cursorCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["show"] && sub["probe"] && sub["resync"], "cursor subcommands: %v", sub)
}

func TestCommandDocumentation(t *testing.T) {
	for _, c := range []*cobra.Command{importCmd, verifyCmd, rollbackCmd, candidatesCmd, validateCmd, listJobsCmd} {
		assert.NotEmpty(t, c.Short, "%s should have a short description", c.Use)
		assert.Contains(t, c.Long, "Example:", "%s should document an example", c.Use)
		assert.Contains(t, c.Long, "importguard "+c.Use, "%s example should show its usage", c.Use)
		assert.NotNil(t, c.RunE)
	}
}

func TestJobCommandsRequireJob(t *testing.T) {
	for _, c := range []*cobra.Command{importCmd, verifyCmd, rollbackCmd, candidatesCmd} {
		f := c.Flags().Lookup("job")
		if assert.NotNil(t, f, "%s should have --job", c.Use) {
			assert.Equal(t, "j", f.Shorthand)
			assert.Equal(t, []string{"true"}, f.Annotations[cobra.BashCompOneRequiredFlag], "%s --job should be required", c.Use)
		}
	}
}
