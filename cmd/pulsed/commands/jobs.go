package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/repository"
	"github.com/teranos/pulsed/pulse/stream"
	"github.com/teranos/pulsed/sym"
)

// JobsCmd groups the job commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " List, create and cancel jobs",
	Long: sym.Pulse + ` jobs - Manage scheduled jobs

ls reads the configured repository directly. create and cancel go through
a running instance's admin API so timers stay consistent.

Examples:
  pulsed jobs ls
  pulsed jobs ls --status SCHEDULED,RETRY
  pulsed jobs create --file job.toml
  pulsed jobs cancel J1 --server localhost:8480`,
}

var jobsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs from the repository",
	RunE:    runJobsLs,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Schedule a job from a toml or json description",
	Long: `Schedule a job from a file. The extension picks the format (.toml or .json).

Example job.toml:

  id = "nightly-report"
  [recipient]
  type = "http"
  [recipient.http]
  url = "https://reports.internal/run"
  method = "POST"
  [schedule]
  cron = "0 2 * * *"
  location = "Europe/Amsterdam"`,
	RunE: runJobsCreate,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var (
	jobsStatusFilter string
	jobsFile         string
	jobsServer       string
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsStatusFilter, "status", "", "Comma-separated statuses to show")
	jobsCreateCmd.Flags().StringVarP(&jobsFile, "file", "f", "", "Job description file (.toml or .json)")
	_ = jobsCreateCmd.MarkFlagRequired("file")

	for _, c := range []*cobra.Command{jobsCreateCmd, jobsCancelCmd} {
		c.Flags().StringVar(&jobsServer, "server", fmt.Sprintf("localhost:%d", am.DefaultServerPort), "Admin API address")
	}

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsCreateCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatusFilter(jobsStatusFilter)
	if err != nil {
		return err
	}
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	if cfg.Repository.Backend == am.BackendMemory {
		return errors.WithHint(errors.New("the memory backend has no shared state to list"), "query a running instance: GET /api/jobs")
	}

	st, err := openStores(cmd.Context(), cfg, stream.Nop{}, logger.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var seq = st.jobs.FindAll(cmd.Context())
	if len(statuses) > 0 {
		seq = st.jobs.FindByStatus(cmd.Context(), statuses...)
	}
	jobs, err := repository.Collect(seq)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(jobsTable(jobs)).Render()
}

func jobsTable(jobs []*job.JobDetails) pterm.TableData {
	rows := pterm.TableData{{"ID", "Status", "Recipient", "Next fire", "Runs", "Retries", "Updated"}}
	for _, j := range jobs {
		next := "-"
		if t := j.FireTime(); t != nil {
			next = t.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			j.ID,
			string(j.Status),
			string(j.Recipient.Type),
			next,
			fmt.Sprintf("%d", j.ExecutionCounter),
			fmt.Sprintf("%d", j.Retries),
			j.LastUpdate.Local().Format(time.DateTime),
		})
	}
	return rows
}

func parseStatusFilter(filter string) ([]job.Status, error) {
	if filter == "" {
		return nil, nil
	}
	var statuses []job.Status
	for _, part := range strings.Split(filter, ",") {
		s, err := job.ParseStatus(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	d, err := readDescription(jobsFile)
	if err != nil {
		return err
	}
	client, err := newAPIClient(jobsServer)
	if err != nil {
		return err
	}
	j, err := client.CreateJob(cmd.Context(), d)
	if err != nil {
		return err
	}
	next := "never"
	if t := j.FireTime(); t != nil {
		next = t.Local().Format(time.RFC3339)
	}
	pterm.Success.Printf("Scheduled %s (next fire %s)\n", j.ID, next)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(jobsServer)
	if err != nil {
		return err
	}
	j, err := client.CancelJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s is %s\n", j.ID, j.Status)
	return nil
}

// readDescription loads a job description. toml is re-encoded as json so
// both formats share one decoder.
func readDescription(path string) (job.Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return job.Description{}, errors.Wrapf(err, "failed to read %s", path)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var raw map[string]interface{}
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return job.Description{}, errors.Wrapf(err, "failed to parse %s", path)
		}
		if data, err = json.Marshal(raw); err != nil {
			return job.Description{}, errors.Wrap(err, "failed to convert toml")
		}
	}
	return job.ParseDescription(data)
}
