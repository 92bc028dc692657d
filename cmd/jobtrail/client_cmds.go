package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chr1sbest/jobtrail/internal/api"
	"github.com/chr1sbest/jobtrail/internal/client"
	"github.com/chr1sbest/jobtrail/internal/engine"
	"github.com/chr1sbest/jobtrail/internal/status"
	"github.com/chr1sbest/jobtrail/internal/task"
)

// EnvServer points client commands at a running server.
const EnvServer = "JOBTRAIL_SERVER"

type clientFlags struct {
	server *string
	as     *string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	def := os.Getenv(EnvServer)
	if def == "" {
		def = "http://127.0.0.1:8088"
	}
	return &clientFlags{
		server: fs.String("server", def, "Server base URL"),
		as:     fs.String("as", defaultIdentity(), "Identity recorded as triggeredBy"),
	}
}

func (f *clientFlags) client() *client.HTTPClient {
	return client.NewHTTPClient(*f.server, *f.as)
}

func defaultIdentity() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func enqueueCmd(args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	cf := addClientFlags(fs)
	watch := fs.Bool("watch", false, "Follow progress after enqueueing")
	fs.Parse(args)

	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(os.Stderr, "Usage: jobtrail enqueue <task> [payload-json]")
		return 1
	}
	payload, err := readPayload(fs.Arg(1), os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	c := cf.client()
	ctx := context.Background()
	id, err := c.Enqueue(ctx, fs.Arg(0), payload)
	if err != nil {
		printAPIError(os.Stderr, err)
		return 1
	}
	fmt.Println(id)
	if *watch {
		return follow(ctx, c, id)
	}
	return 0
}

// readPayload accepts inline JSON, "-" for stdin, @file, or nothing.
func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case arg == "":
		return nil, nil
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		raw = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		raw = b
	default:
		raw = []byte(arg)
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func cancelCmd(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: jobtrail cancel <job-id>")
		return 1
	}
	if err := cf.client().Cancel(context.Background(), fs.Arg(0)); err != nil {
		printAPIError(os.Stderr, err)
		return 1
	}
	fmt.Println("cancellation requested")
	return 0
}

func showCmd(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	cf := addClientFlags(fs)
	logs := fs.Bool("logs", false, "Print the job's log lines")
	asJSON := fs.Bool("json", false, "Print the raw job as JSON")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: jobtrail show <job-id>")
		return 1
	}
	v, err := cf.client().GetJob(context.Background(), fs.Arg(0), *logs)
	if err != nil {
		printAPIError(os.Stderr, err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}
	printJob(os.Stdout, v)
	return 0
}

func printJob(w io.Writer, v engine.JobView) {
	fmt.Fprintf(w, "task:         %s\n", v.TaskName)
	fmt.Fprintf(w, "triggered by: %s\n", v.TriggeredBy)
	fmt.Fprintf(w, "enqueued:     %s\n", v.EnqueuedAt.Format(time.RFC3339))
	if v.FinishedAt != nil {
		fmt.Fprintf(w, "duration:     %dms\n", v.DurationMs)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "error:        %s\n", v.Error)
	}
	sw := status.NewWithWriter(w, false)
	for _, line := range sw.Lines(frameFor(v)) {
		fmt.Fprintln(w, line)
	}
	if len(v.LogLines) > 0 {
		fmt.Fprintln(w, "\nlog:")
		for _, l := range v.LogLines {
			fmt.Fprintln(w, "  "+l)
		}
	}
}

func frameFor(v engine.JobView) status.Frame {
	return status.Frame{
		JobID:      v.ID,
		State:      string(v.State),
		Result:     string(v.Result),
		Cancelling: v.Cancelling,
		Steps:      v.StepTree,
	}
}

func jobsCmd(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	cf := addClientFlags(fs)
	taskName := fs.String("task", "", "Only jobs of this task")
	state := fs.String("state", "", "Only jobs in this state")
	limit := fs.Int("limit", 20, "Maximum number of jobs")
	fs.Parse(args)

	list, err := cf.client().ListJobs(context.Background(), *taskName, *state, *limit)
	if err != nil {
		printAPIError(os.Stderr, err)
		return 1
	}
	printJobs(os.Stdout, list)
	return 0
}

func printJobs(w io.Writer, list []engine.JobSummary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tSTATE\tRESULT\tENQUEUED\tBY")
	for _, j := range list {
		result := string(j.Result)
		if result == "" {
			result = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.TaskName, j.State, result, j.EnqueuedAt.Local().Format("2006-01-02 15:04:05"), j.TriggeredBy)
	}
	tw.Flush()
}

func tasksCmd(args []string) int {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	cf := addClientFlags(fs)
	hidden := fs.Bool("hidden", false, "Include hidden tasks")
	fs.Parse(args)

	list, err := cf.client().ListTasks(context.Background(), *hidden)
	if err != nil {
		printAPIError(os.Stderr, err)
		return 1
	}
	printTasks(os.Stdout, list)
	return 0
}

func printTasks(w io.Writer, list []task.Metadata) {
	for i, m := range list {
		if i > 0 {
			fmt.Fprintln(w)
		}
		name := string(m.Name)
		if m.Visibility == task.VisibilityHidden {
			name += " (hidden)"
		}
		fmt.Fprintf(w, "%s\n  %s\n", name, m.Description)
		for _, f := range m.InputSchemaSummary {
			line := fmt.Sprintf("  - %s: %s", f.Name, f.Type)
			if f.Items != "" {
				line += " of " + string(f.Items)
			}
			if f.Required {
				line += " (required)"
			}
			if f.Default != nil {
				line += fmt.Sprintf(" default %v", f.Default)
			}
			if len(f.Enum) > 0 {
				line += fmt.Sprintf(" one of %v", f.Enum)
			}
			fmt.Fprintln(w, line)
		}
	}
}

func watchCmd(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: jobtrail watch <job-id>")
		return 1
	}
	return follow(context.Background(), cf.client(), fs.Arg(0))
}

// follow renders the job's step tree in place until the job finishes, then
// prints the final record.
func follow(ctx context.Context, c *client.HTTPClient, id string) int {
	sw := status.New()
	err := c.Watch(ctx, id, func(_ string, p api.ProgressResponse) bool {
		sw.Show(status.Frame{
			JobID:      p.ID,
			State:      string(p.State),
			Result:     string(p.Result),
			Cancelling: p.Cancelling,
			Steps:      p.Steps,
		})
		return true
	})
	if err != nil {
		sw.Clear()
		printAPIError(os.Stderr, err)
		return 1
	}
	v, err := c.GetJob(ctx, id, false)
	if err != nil {
		sw.Clear()
		printAPIError(os.Stderr, err)
		return 1
	}
	sw.Final(frameFor(v))
	if v.Result == task.OutcomeFailed {
		if v.Error != "" {
			fmt.Fprintln(os.Stderr, v.Error)
		}
		return 2
	}
	return 0
}

func printAPIError(w io.Writer, err error) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintln(w, apiErr.Message)
		for _, d := range apiErr.Details {
			fmt.Fprintln(w, "  "+d)
		}
		return
	}
	fmt.Fprintln(w, err)
}
