package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/fitpipe/pkg/models"
)

var queueShowResults bool

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the persisted job queue",
	Long: `Reads the persisted queue snapshot from the database and summarizes the
jobs waiting for admission, including any in-flight jobs a previous process
left behind. With --results the stored terminal results are listed too.`,
	RunE: runQueue,
}

func init() {
	rootCmd.AddCommand(queueCmd)

	queueCmd.Flags().BoolVar(&queueShowResults, "results", false, "also list stored terminal results")
}

type queueListing struct {
	Jobs    []*models.Job       `json:"jobs" yaml:"jobs"`
	Results []*models.JobResult `json:"results,omitempty" yaml:"results,omitempty"`
}

func runQueue(cmd *cobra.Command, args []string) error {
	st, err := openInspectionStore()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.LoadQueue()
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	listing := queueListing{Jobs: jobs}
	if queueShowResults {
		results, err := st.ListResults()
		if err != nil {
			return fmt.Errorf("failed to list results: %w", err)
		}
		listing.Results = results
	}

	switch {
	case IsJSONOutput():
		output, err := json.MarshalIndent(listing, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil

	case IsYAMLOutput():
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(listing)

	default:
		renderQueueTable(listing)
		return nil
	}
}

func renderQueueTable(listing queueListing) {
	if len(listing.Jobs) == 0 {
		fmt.Println("Queue is empty")
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Job", "Video", "Priority", "Condition", "Status", "Retries", "Next Attempt", "Created")

		byStatus := map[models.JobStatus]int{}
		for _, job := range listing.Jobs {
			byStatus[job.Status]++

			nextAttempt := "-"
			if job.NextAttemptAt != nil {
				nextAttempt = job.NextAttemptAt.Format("15:04:05")
			}

			table.Append(
				shortID(job.ID),
				job.Payload.Video.ID,
				job.Priority.String(),
				string(job.Condition),
				string(job.Status),
				fmt.Sprintf("%d", job.RetryCount),
				nextAttempt,
				job.CreatedAt.Format("2006-01-02 15:04"),
			)
		}

		table.Render()
		fmt.Printf("\nTotal queued: %d", len(listing.Jobs))
		for status, n := range byStatus {
			fmt.Printf("  %s: %d", status, n)
		}
		fmt.Println()
	}

	if listing.Results == nil {
		return
	}

	fmt.Println()
	if len(listing.Results) == 0 {
		fmt.Println("No stored results")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job", "Status", "Retries", "Score", "Error", "Completed")

	for _, res := range listing.Results {
		score := "-"
		if res.Report != nil {
			score = fmt.Sprintf("%d", res.Report.Score)
		}
		errText := "-"
		if res.Error != "" {
			errText = truncate(res.Error, 40)
		}
		table.Append(
			shortID(res.JobID),
			string(res.Status),
			fmt.Sprintf("%d", res.RetryCount),
			score,
			errText,
			res.CompletedAt.Format(time.RFC3339),
		)
	}

	table.Render()
	fmt.Printf("\nTotal results: %d\n", len(listing.Results))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
