package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/renderjob/internal/server"
	"github.com/ChuLiYu/renderjob/internal/snapshot"
	"github.com/ChuLiYu/renderjob/internal/storage/wal"
	"github.com/ChuLiYu/renderjob/internal/worker"
	"github.com/ChuLiYu/renderjob/pkg/types"
)

const rpcTimeout = 10 * time.Second

// ============================================================================
// new
// ============================================================================

func buildNewCommand() *cobra.Command {
	var id, upload, blend, out string
	var force bool

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create the data.json of a new idle job",
		Long: `Create a job whose paths are derived from its upload directory:
  data   = <upload>/data.json
  blend  = <upload>/<blend>
  frames = <upload>/../../frames/<id>
The job id defaults to the last element of --upload, or a random UUID.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if upload == "" {
				return fmt.Errorf("upload directory is required (use --upload)")
			}
			paths := types.PathsFromUploadDir(upload, blend)
			if id == "" {
				id = paths.ID()
			}
			if id == "" || id == "." || id == string(filepath.Separator) {
				id = types.NewTaskID()
			}
			if out == "" {
				out = paths.Data
			}

			store := snapshot.NewManager(out)
			if store.Exists() && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}
			job := types.NewJob(id, paths)
			if err := store.Write(job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s at %s\n", job, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "job id (default: upload directory name)")
	cmd.Flags().StringVar(&upload, "upload", "", "upload directory of the job")
	cmd.Flags().StringVar(&blend, "blend", "", "blend file name inside the upload directory")
	cmd.Flags().StringVarP(&out, "out", "o", "", "where to write data.json (default: <upload>/data.json)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing data.json")
	return cmd
}

// ============================================================================
// show
// ============================================================================

func buildShowCommand() *cobra.Command {
	var serverAddr string
	var raw bool

	cmd := &cobra.Command{
		Use:   "show <file|job-id>",
		Short: "Print a job summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job *types.Job
			var err error
			if serverAddr != "" {
				job, err = fetchJob(cmd.Context(), serverAddr, args[0])
			} else {
				job, err = snapshot.NewManager(args[0]).Load()
			}
			if err != nil {
				return err
			}

			if raw {
				doc, err := job.ToDocument()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(doc)
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "read the job from a running server (host:port)")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the canonical data.json instead of a summary")
	return cmd
}

func printJob(w io.Writer, job *types.Job) {
	p := job.Paths()
	fmt.Fprintln(w, job)
	fmt.Fprintf(w, "  Created:  %s\n", job.CreatedAt().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "  Updated:  %s\n", job.UpdatedAt().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "  Upload:   %s\n", p.Upload)
	fmt.Fprintf(w, "  Data:     %s\n", p.Data)
	fmt.Fprintf(w, "  Blend:    %s\n", p.Blend)
	fmt.Fprintf(w, "  Frames:   %s\n", p.Frames)

	if data := job.Data(); len(data) > 0 {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "  Data:")
		for _, k := range keys {
			fmt.Fprintf(w, "    %s = %s\n", k, data[k])
		}
	}

	fmt.Fprintf(w, "  History (%d):\n", job.History().Len())
	for _, e := range job.History().Entries() {
		fmt.Fprintf(w, "    %s\n", e)
	}

	counts := job.CountTasksByStatus()
	fmt.Fprintf(w, "  Tasks (%d):", job.TaskCount())
	for _, s := range types.Statuses() {
		if counts[s] > 0 {
			fmt.Fprintf(w, " %s=%d", s, counts[s])
		}
	}
	fmt.Fprintln(w)
	for _, t := range job.Tasks() {
		fmt.Fprintf(w, "    %s\n", t)
	}
}

// ============================================================================
// verify
// ============================================================================

func buildVerifyCommand() *cobra.Command {
	var workers int
	var timeout time.Duration
	var strict bool

	cmd := &cobra.Command{
		Use:   "verify <files...>",
		Short: "Check that data.json documents parse and round-trip",
		Long: `Verify parses every document, re-serializes it and checks that the
result parses back to the same job and the same bytes. With --strict a
document that is valid but not in canonical form also fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyFiles(cmd.OutOrStdout(), args, workers, timeout, strict)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "concurrent verifications")
	cmd.Flags().DurationVar(&timeout, "timeout", worker.DefaultTimeout, "per-document timeout")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail documents that are not byte-canonical")
	return cmd
}

// ErrVerifyFailed is returned when at least one document fails verification.
var ErrVerifyFailed = errors.New("verification failed")

func verifyFiles(w io.Writer, files []string, workers int, timeout time.Duration, strict bool) error {
	pool := worker.NewPool(len(files))
	if err := pool.Start(min(workers, len(files))); err != nil {
		return err
	}
	defer pool.Stop()

	tasks := make([]worker.Task, len(files))
	for i, f := range files {
		tasks[i] = worker.Task{Path: f, Timeout: timeout}
	}
	results, err := pool.VerifyAll(tasks)
	if err != nil {
		return err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })

	failed := 0
	for _, r := range results {
		switch {
		case !r.Success:
			failed++
			fmt.Fprintf(w, "FAIL %s: %v\n", r.Path, r.Error)
		case !r.Canonical && strict:
			failed++
			fmt.Fprintf(w, "FAIL %s: not canonical\n", r.Path)
		case !r.Canonical:
			fmt.Fprintf(w, "OK   %s (%s, not canonical)\n", r.Path, r.JobID)
		default:
			fmt.Fprintf(w, "OK   %s (%s)\n", r.Path, r.JobID)
		}
	}
	fmt.Fprintf(w, "%d/%d documents verified\n", len(results)-failed, len(results))

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d documents", ErrVerifyFailed, failed, len(results))
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var taskID, serverAddr string

	cmd := &cobra.Command{
		Use:   "status <file|job-id> <status>",
		Short: "Move a job or one of its tasks to a new status",
		Long: `Apply one status transition and save the document. Allowed moves:
  idle -> queued -> running -> finished | errored | aborted`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := types.ParseStatus(args[1])
			if err != nil {
				return err
			}

			if serverAddr != "" {
				return remoteStatus(cmd, serverAddr, args[0], taskID, status)
			}

			store := snapshot.NewManager(args[0])
			job, err := store.Load()
			if err != nil {
				return err
			}
			now := time.Now()
			if taskID == "" {
				err = job.SetStatus(status, now)
			} else {
				err = job.SetTaskStatus(taskID, status, now)
			}
			if err != nil {
				return err
			}
			if err := store.Write(job); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeStatus(job, taskID))
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "move this task instead of the job")
	cmd.Flags().StringVar(&serverAddr, "server", "", "apply on a running server (host:port)")
	return cmd
}

func remoteStatus(cmd *cobra.Command, addr, jobID, taskID string, status types.Status) error {
	client, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(contextOf(cmd), rpcTimeout)
	defer cancel()

	doc, err := client.SetStatus(ctx, jobID, taskID, status)
	if err != nil {
		return err
	}
	job, err := types.FromDocument(doc)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), describeStatus(job, taskID))
	return nil
}

func describeStatus(job *types.Job, taskID string) string {
	if taskID == "" {
		return job.String()
	}
	if task, ok := job.Task(taskID); ok {
		return task.String()
	}
	return job.String()
}

// ============================================================================
// add-task
// ============================================================================

func buildAddTaskCommand() *cobra.Command {
	var id, descriptor string

	cmd := &cobra.Command{
		Use:   "add-task <file>",
		Short: "Append an idle task to a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := snapshot.NewManager(args[0])
			job, err := store.Load()
			if err != nil {
				return err
			}
			if id == "" {
				id = types.NewTaskID()
			}
			if err := job.AddTask(types.NewTask(id, descriptor)); err != nil {
				return err
			}
			if err := store.Write(job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added task %s to %s\n", id, job)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "task id (default: random UUID)")
	cmd.Flags().StringVarP(&descriptor, "descriptor", "d", "", "what the task renders")
	_ = cmd.MarkFlagRequired("descriptor")
	return cmd
}

// ============================================================================
// atomize
// ============================================================================

func buildAtomizeCommand() *cobra.Command {
	var frames, serverAddr string
	var chunk int

	cmd := &cobra.Command{
		Use:   "atomize <file|job-id>",
		Short: "Split a frame range into idle tasks",
		Long: `Atomize appends one task per chunk of --frames. The range is "N",
"S-E" or "S-E:K" (every K-th frame); --chunk sets how many rendered frames
each task covers. Example: --frames 1-250:10 --chunk 10 gives three tasks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := types.ParseFrameRange(frames)
			if err != nil {
				return err
			}

			var ids []string
			if serverAddr != "" {
				ids, err = remoteAtomize(cmd, serverAddr, args[0], r, chunk)
			} else {
				ids, err = localAtomize(args[0], r, chunk)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d tasks for %s\n", len(ids), r)
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&frames, "frames", "f", "", "frame range: N, S-E or S-E:K")
	cmd.Flags().IntVar(&chunk, "chunk", 1, "frames per task")
	cmd.Flags().StringVar(&serverAddr, "server", "", "atomize on a running server (host:port)")
	_ = cmd.MarkFlagRequired("frames")
	return cmd
}

func localAtomize(path string, r types.FrameRange, chunk int) ([]string, error) {
	store := snapshot.NewManager(path)
	job, err := store.Load()
	if err != nil {
		return nil, err
	}
	ids, err := job.Atomize(r, chunk)
	if err != nil {
		return nil, err
	}
	return ids, store.Write(job)
}

func remoteAtomize(cmd *cobra.Command, addr, jobID string, r types.FrameRange, chunk int) ([]string, error) {
	client, err := server.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(contextOf(cmd), rpcTimeout)
	defer cancel()
	return client.Atomize(ctx, jobID, r, chunk)
}

// ============================================================================
// merge
// ============================================================================

func buildMergeCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "merge <file> <other>",
		Short: "Fold another copy of a job into its data.json",
		Long: `Merge reads <other>, a second copy of the same job (for example one a
render node wrote), and folds it into <file>: longer histories win, new
tasks and output locations are added. Copies whose histories diverged are
refused. <other> is never modified.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := snapshot.NewManager(args[0])
			job, err := store.Load()
			if err != nil {
				return err
			}
			changed, err := snapshot.NewManager(args[1]).MergeFromDisk(job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !changed {
				fmt.Fprintf(out, "%s already up to date\n", job)
				return nil
			}
			if !dryRun {
				if err := store.Write(job); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "Merged %s into %s\n", args[1], job)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the merge without writing")
	return cmd
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "journal <path>",
		Short: "Dump, validate and summarize a transition journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectJournal(cmd.OutOrStdout(), args[0], quiet)
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only validate and summarize")
	return cmd
}

func inspectJournal(w io.Writer, path string, quiet bool) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if !quiet {
		if err := wal.DumpWAL(path, w); err != nil {
			return err
		}
	}
	if err := wal.ValidateWAL(path); err != nil {
		return fmt.Errorf("journal invalid: %w", err)
	}

	stats, err := wal.GetWALStats(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Events: %d", stats.TotalEvents)
	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, " (seq %d-%d, %s to %s)", stats.FirstSeq, stats.LastSeq,
			stats.FirstTime.Format(time.RFC3339), stats.LastTime.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	for _, t := range []wal.EventType{wal.EventJobCreated, wal.EventTaskAdded, wal.EventJobStatus, wal.EventTaskStatus} {
		if n := stats.EventTypes[t]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", t, n)
		}
	}
	return nil
}

// ============================================================================
// Remote helpers
// ============================================================================

func fetchJob(ctx context.Context, addr, jobID string) (*types.Job, error) {
	client, err := server.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer client.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	doc, err := client.GetDocument(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return types.FromDocument(doc)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
