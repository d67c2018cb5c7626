package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/importguard/internal/config"
)

var listJobsCmd = &cobra.Command{
	Use:   "list-jobs",
	Short: "List all jobs defined in configuration",
	Long: `List-jobs displays all import jobs defined in the configuration file
along with their basic settings.

Example:
  importguard list-jobs --config importguard.yaml`,
	RunE: runListJobs,
}

func init() {
	rootCmd.AddCommand(listJobsCmd)
}

func runListJobs(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	jobNames := cfg.ListJobs()

	if len(jobNames) == 0 {
		cmd.Printf("No jobs defined in %s\n", configFile)
		return nil
	}

	cmd.Printf("Jobs defined in %s:\n\n", configFile)

	for i, jobName := range jobNames {
		job, err := cfg.GetJob(jobName)
		if err != nil {
			return fmt.Errorf("failed to get job %q: %w", jobName, err)
		}

		mode := job.Mode
		if mode == "" {
			mode = "insert"
		}

		cmd.Printf("%d. %s\n", i+1, jobName)
		cmd.Printf("   File:          %s\n", job.File)
		cmd.Printf("   Table:         %s\n", job.Table)
		cmd.Printf("   Mode:          %s\n", mode)

		if job.MatchingColumn != "" {
			cmd.Printf("   Matching:      %s\n", job.MatchingColumn)
		} else {
			cmd.Printf("   Matching:      (auto-detect)\n")
		}

		if job.Import != nil {
			cmd.Printf("   Import:        Custom (chunk_size=%d, trial_size=%d)\n",
				job.Import.ChunkSize, job.Import.TrialSize)
		}

		if job.Verification != nil {
			cmd.Printf("   Verification:  Custom (skip=%v, require_matching_column=%v)\n",
				job.Verification.SkipVerification, job.Verification.RequireMatchingColumn)
		}

		if i < len(jobNames)-1 {
			cmd.Println()
		}
	}

	cmd.Printf("\nTotal: %d job(s)\n", len(jobNames))
	return nil
}
