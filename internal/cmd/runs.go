package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/qsweep/pkg/ledger"
	"github.com/3leaps/qsweep/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded sweep runs",
	Long: `Inspect the run registry and the submission ledger.

Every launch records its run under the data directory:

- stable run ids (prefixes are accepted)
- per-point outcomes with the scheduler's job id or error code
- optional JSON output for machine parsing`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sweep runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run and its per-point results",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsJobCmd = &cobra.Command{
	Use:   "job <job_id>",
	Short: "Find the sweep point that produced a scheduler job id",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsJob,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsJobCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsListCmd.Flags().String("state", "", "Only runs in this state (running, success, partial, failed, canceled, unknown)")
	runsShowCmd.Flags().Bool("json", false, "Output as JSON")
	runsShowCmd.Flags().Bool("failed", false, "Only list failed points")
	runsJobCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	state, _ := cmd.Flags().GetString("state")

	store, err := openRegistry()
	if err != nil {
		return err
	}
	runs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	return writeRunList(cmd.OutOrStdout(), filterRuns(runs, state), jsonOutput)
}

func filterRuns(runs []runregistry.RunRecord, state string) []runregistry.RunRecord {
	state = strings.TrimSpace(state)
	if state == "" {
		return runs
	}
	out := runs[:0:0]
	for _, r := range runs {
		if string(r.State) == state {
			out = append(out, r)
		}
	}
	return out
}

func writeRunList(w io.Writer, runs []runregistry.RunRecord, jsonOutput bool) error {
	if jsonOutput {
		if runs == nil {
			runs = []runregistry.RunRecord{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "RUN ID\tNAME\tSTATE\tSCHEDULER\tPOINTS\tSUBMITTED\tFAILED\tSTARTED\tMANIFEST")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			shortRunID(r.RunID),
			dash(r.Name),
			r.State,
			dash(r.Scheduler),
			r.Points,
			r.Submitted,
			r.Failed,
			formatOptionalTime(r.StartedAt),
			dash(r.ManifestPath),
		)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	failedOnly, _ := cmd.Flags().GetBool("failed")

	store, err := openRegistry()
	if err != nil {
		return err
	}
	runID, err := resolveRunID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Run not found", err)
	}
	rec, err := store.Get(runID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run", err)
	}
	if failedOnly {
		kept := rec.Results[:0:0]
		for _, r := range rec.Results {
			if !r.OK {
				kept = append(kept, r)
			}
		}
		rec.Results = kept
	}
	return writeRun(cmd.OutOrStdout(), rec, jsonOutput)
}

func writeRun(w io.Writer, rec *runregistry.RunRecord, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(w, "run_id=%s\n", rec.RunID)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(w, "name=%s\n", rec.Name)
	}
	_, _ = fmt.Fprintf(w, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(w, "scheduler=%s\n", rec.Scheduler)
	_, _ = fmt.Fprintf(w, "manifest_path=%s\n", rec.ManifestPath)
	_, _ = fmt.Fprintf(w, "range=[%g, %g) step=%g scale=%g\n", rec.Range.Start, rec.Range.Stop, rec.Range.Step, rec.Range.Scale)
	if len(rec.Stages) > 0 {
		_, _ = fmt.Fprintf(w, "stages=%s\n", strings.Join(rec.Stages, ","))
	}
	if rec.DryRun {
		_, _ = fmt.Fprintln(w, "dry_run=true")
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "points=%d submitted=%d failed=%d\n", rec.Points, rec.Submitted, rec.Failed)
	if rec.ArchiveURI != "" {
		_, _ = fmt.Fprintf(w, "archive_uri=%s\n", rec.ArchiveURI)
	}
	if len(rec.Results) == 0 {
		return nil
	}

	_, _ = fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()
	_, _ = fmt.Fprintln(tw, "INDEX\tTAG\tVALUE\tJOB NAME\tRESULT\tDETAIL")
	for _, r := range rec.Results {
		result, detail := r.JobID, ""
		if !r.OK {
			result, detail = r.Code, r.Message
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%g\t%s\t%s\t%s\n", r.Index, r.Tag, r.Value, dash(r.JobName), dash(result), detail)
	}
	return nil
}

func runRunsJob(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return exitError(foundry.ExitInvalidArgument, "job_id is required", nil)
	}

	led, err := openLedger(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open submission ledger", err)
	}
	defer func() { _ = led.Close() }()

	entry, err := led.FindJob(cmd.Context(), jobID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to query submission ledger", err)
	}
	if entry == nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("no submission recorded for job %s", jobID))
	}
	return writeEntry(cmd.OutOrStdout(), entry, jsonOutput)
}

func writeEntry(w io.Writer, e *ledger.Entry, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	}
	_, _ = fmt.Fprintf(w, "job_id=%s\n", e.JobID)
	_, _ = fmt.Fprintf(w, "run_id=%s\n", e.RunID)
	_, _ = fmt.Fprintf(w, "index=%d\n", e.Index)
	_, _ = fmt.Fprintf(w, "tag=%s\n", e.Tag)
	_, _ = fmt.Fprintf(w, "value=%g\n", e.Value)
	if e.JobName != "" {
		_, _ = fmt.Fprintf(w, "job_name=%s\n", e.JobName)
	}
	if e.Artifact != "" {
		_, _ = fmt.Fprintf(w, "artifact=%s\n", e.Artifact)
	}
	_, _ = fmt.Fprintf(w, "submitted_at=%s\n", e.CreatedAt.UTC().Format(time.RFC3339))
	return nil
}

func shortRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	if len(runID) <= 8 {
		return runID
	}
	return runID[:8]
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveRunID accepts a full run id or an unambiguous prefix.
func resolveRunID(store *runregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("run_id is required")
	}

	// Exact match first.
	if _, err := store.Get(input); err == nil {
		return input, nil
	} else if !errors.Is(err, runregistry.ErrNotFound) && !errors.Is(err, runregistry.ErrInvalidID) {
		return "", err
	}

	// Prefix match (allows table-friendly short IDs).
	runs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, input) {
			matches = append(matches, r.RunID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", runregistry.ErrNotFound, input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("run id prefix is ambiguous (%d matches); use the full run_id", len(matches))
	}
	return matches[0], nil
}
