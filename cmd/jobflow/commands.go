package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/jobflow/internal/queue"
	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
)

func (c *cli) workerCmd() *cobra.Command {
	var (
		tags []string
		n    int
		id   string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers, the sweeper and the schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(tags) > 0 {
				c.cfg.WorkerTags = tags
			}
			if n > 0 {
				c.cfg.NumWorkers = n
			}
			if id != "" {
				c.cfg.WorkerID = id
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			c.log.Info("jobflow worker starting",
				"driver", c.cfg.DatabaseDriver, "workers", len(a.Workers), "tags", c.cfg.WorkerTags, "notify", c.cfg.Notify)
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags to serve; overrides JOBFLOW_WORKER_TAGS")
	cmd.Flags().IntVar(&n, "num-workers", 0, "worker count; overrides JOBFLOW_NUM_WORKERS")
	cmd.Flags().StringVar(&id, "worker-id", "", "worker id; overrides JOBFLOW_WORKER_ID")
	return cmd
}

func (c *cli) pushCmd() *cobra.Command {
	var (
		req      queue.PushRequest
		lang     string
		file     string
		args     string
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a script job and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Language = api.Language(lang)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				req.Code = string(b)
			}
			if req.Code == "" {
				return errors.New("one of --code or --file is required")
			}
			if args != "" {
				req.Args = json.RawMessage(args)
			}
			if schedule != "" {
				at, err := time.Parse(time.RFC3339, schedule)
				if err != nil {
					return fmt.Errorf("--scheduled-for: %w", err)
				}
				req.ScheduledFor = at
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			id, err := a.Queue.Push(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&lang, "language", string(api.LangBash), "script language (bash, python3, deno, bun)")
	f.StringVar(&req.Code, "code", "", "script source")
	f.StringVar(&file, "file", "", "read the script source from a file")
	f.StringVar(&args, "args", "", "arguments as a JSON object")
	f.StringVar(&req.WorkspaceID, "workspace", "default", "workspace id")
	f.StringVar(&req.ScriptPath, "path", "", "script path")
	f.StringVar(&req.Tag, "tag", "", "worker tag; defaults to the language")
	f.IntVar(&req.Priority, "priority", 0, "higher runs first")
	f.StringVar(&schedule, "scheduled-for", "", "RFC 3339 time before which the job does not run")
	f.StringVar(&req.ConcurrencyKey, "concurrency-key", "", "concurrency key")
	f.IntVar(&req.ConcurrencyLimit, "concurrency-limit", 0, "max running jobs sharing the concurrency key")
	f.IntVar(&req.TimeoutSecs, "timeout", 0, "timeout in seconds; 0 uses JOBFLOW_DEFAULT_TIMEOUT_SECS")
	f.BoolVar(&req.Dedicated, "dedicated", false, "run on a dedicated worker process")
	return cmd
}

func (c *cli) pushFlowCmd() *cobra.Command {
	var workspace, path, args string
	cmd := &cobra.Command{
		Use:   "push-flow <definition.json>",
		Short: "Push a flow job from a JSON definition and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			b, err := os.ReadFile(pos[0])
			if err != nil {
				return err
			}
			var def api.FlowDefinition
			if err := json.Unmarshal(b, &def); err != nil {
				return fmt.Errorf("parse %s: %w", pos[0], err)
			}
			if err := def.Validate(); err != nil {
				return err
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			var raw json.RawMessage
			if args != "" {
				raw = json.RawMessage(args)
			}
			id, err := a.Queue.PushFlow(cmd.Context(), workspace, path, &def, raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "default", "workspace id")
	cmd.Flags().StringVar(&path, "path", "", "flow path")
	cmd.Flags().StringVar(&args, "args", "", "flow input as a JSON object")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	var offset int
	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job's status, result and logs as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			v, err := a.Queue.GetJob(cmd.Context(), args[0], offset)
			if err != nil {
				return err
			}
			return c.printJSON(v)
		},
	}
	cmd.Flags().IntVar(&offset, "log-offset", 0, "only return logs from this byte offset")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var filter store.QueueFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			jobs, err := a.Queue.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tTAG\tSTATUS\tWORKER\tCREATED")
			for _, j := range jobs {
				v := api.ViewFromQueued(j, len(j.Logs))
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.Tag, v.Status, j.Worker, j.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.WorkspaceID, "workspace", "", "only this workspace")
	cmd.Flags().StringVar(&filter.ParentJob, "parent", "", "only children of this job")
	cmd.Flags().BoolVar(&filter.RunningOnly, "running", false, "only running jobs")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "max rows")
	return cmd
}

func (c *cli) resumeCmd() *cobra.Command {
	var (
		approval api.Approval
		deny     bool
		payload  string
	)
	cmd := &cobra.Command{
		Use:   "resume <flow-job-id>",
		Short: "Approve or deny a suspended flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approval.Approved = !deny
			if payload != "" {
				approval.Payload = json.RawMessage(payload)
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			return a.Queue.ResumeFlow(cmd.Context(), args[0], approval)
		},
	}
	cmd.Flags().IntVar(&approval.ResumeID, "resume-id", 0, "resume id of the approval")
	cmd.Flags().StringVar(&approval.Approver, "approver", "", "who approves")
	cmd.Flags().BoolVar(&deny, "deny", false, "deny instead of approve; cancels the flow")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload passed on to the next module")
	return cmd
}

func (c *cli) cancelCmd() *cobra.Command {
	var by, reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job and everything below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			return a.Queue.Cancel(cmd.Context(), args[0], by, reason)
		},
	}
	cmd.Flags().StringVar(&by, "by", "cli", "who cancels")
	cmd.Flags().StringVar(&reason, "reason", "", "why")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the zombie, approval and retention sweeps once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			rep, err := a.Sweeper.RunOnce(cmd.Context())
			fmt.Fprintf(c.out, "zombies=%d expired=%d purged=%d took=%s\n", rep.Zombies, rep.Expired, rep.Purged, rep.Duration)
			return err
		},
	}
}

func (c *cli) triggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <schedule>",
		Short: "Push the job of a schedule now and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if a.Scheduler == nil {
				return errors.New("no schedules loaded; set JOBFLOW_SCHEDULES_FILE")
			}
			id, err := a.Scheduler.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		},
	}
}
