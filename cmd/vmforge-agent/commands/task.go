package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vmforge/vmforge/pkg/config"
	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/stores"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Queue, run and inspect tasks",
	}
	cmd.AddCommand(newTaskSubmitCommand())
	cmd.AddCommand(newTaskRunCommand())
	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskShowCommand())
	return cmd
}

func newTaskSubmitCommand() *cobra.Command {
	var (
		objects      []string
		props        []string
		ignoreErrors bool
	)

	cmd := &cobra.Command{
		Use:   "submit <type> <action>",
		Short: "Queue a task",
		Long: `Queue a task for the agent.

Objects name the resources the task targets as kind=id. Property values are
decoded as JSON when possible, so numbers and booleans keep their type.`,
		Example: `  # Download an image
  vmforge-agent task submit image upload_url --object image=img-1 --prop url=http://mirror/disk.qcow2 --prop size=2147483648

  # Attach an image to a VM as /dev/sdc
  vmforge-agent task submit image attach --object image=img-1 --object vm=vm-1 --prop device=2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := buildTaskRecord(args[0], args[1], objects, props, ignoreErrors)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				if err := store.CreateTask(cmd.Context(), rec); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(rec)
				}
				fmt.Printf("✓ Queued task %s (%s/%s)\n", rec.ID, rec.Type, rec.Action)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&objects, "object", nil, "target resource as kind=id (repeatable)")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "task property as key=value (repeatable)")
	cmd.Flags().BoolVar(&ignoreErrors, "ignore-errors", false, "continue past non-fatal failures")
	return cmd
}

// buildTaskRecord assembles a queued task record from command line pairs.
func buildTaskRecord(taskType, action string, objects, props []string, ignoreErrors bool) (*stores.TaskRecord, error) {
	objs, err := parsePairs(objects)
	if err != nil {
		return nil, err
	}
	for kind := range objs {
		if _, err := resources.ParseKind(kind); err != nil {
			return nil, err
		}
	}

	rawProps, err := parsePairs(props)
	if err != nil {
		return nil, err
	}
	values := make(map[string]interface{}, len(rawProps))
	for k, raw := range rawProps {
		values[k] = decodeProp(raw)
	}

	return &stores.TaskRecord{
		ID:           uuid.NewString(),
		Type:         taskType,
		Action:       action,
		Objects:      objs,
		Props:        values,
		IgnoreErrors: ignoreErrors,
		Status:       stores.TaskStatusQueued,
	}, nil
}

// decodeProp returns raw decoded as a JSON number or boolean, or raw itself.
func decodeProp(raw string) interface{} {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	switch v.(type) {
	case json.Number, bool:
		return v
	}
	return raw
}

func newTaskRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run one queued task in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(cfg *config.Config, store *stores.SQLiteStore) error {
				return runTask(cmd.Context(), cfg, store, args[0])
			})
		},
	}
}

func runTask(ctx context.Context, cfg *config.Config, store *stores.SQLiteStore, id string) error {
	rec, err := store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != stores.TaskStatusQueued {
		return fmt.Errorf("task %s is %s, not queued", rec.ID, rec.Status)
	}

	rt, err := newRuntime(cfg, store, "")
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	task, err := engine.TaskFromRecord(rec)
	if err != nil {
		return err
	}
	if err := store.UpdateTaskStatus(ctx, rec.ID, stores.TaskStatusRunning, nil, nil, rec.Comment); err != nil {
		return err
	}

	start := time.Now()
	err = rt.dispatcher.Dispatch(rt.Context(ctx), task)
	outcome := engine.Classify(err)

	log.Info().
		Str("task", rec.ID).
		Str("outcome", string(outcome)).
		Dur("duration", time.Since(start)).
		Msg("Task finished")

	if err != nil {
		fmt.Printf("✗ %s/%s %s (%s)\n", task.Type, task.Action, outcome, engine.CodeOf(err))
		return err
	}
	fmt.Printf("✓ %s/%s %s\n", task.Type, task.Action, outcome)
	if task.Comment != "" {
		fmt.Printf("  %s\n", task.Comment)
	}
	return nil
}

func newTaskListCommand() *cobra.Command {
	var (
		taskType, status string
		limit, offset    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				tasks, err := store.ListTasks(cmd.Context(), stores.TaskFilter{
					Type:   taskType,
					Status: stores.TaskStatus(status),
					Limit:  limit,
					Offset: offset,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(tasks)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				defer w.Flush()
				fmt.Fprintln(w, "ID\tTYPE\tACTION\tSTATUS\tERROR\tCREATED")
				for _, t := range tasks {
					errText := "-"
					if t.ErrorClass != nil {
						errText = *t.ErrorClass
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.Type, t.Action, t.Status, errText, humanize.Time(t.CreatedAt))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "filter by task type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of tasks")
	cmd.Flags().IntVar(&offset, "offset", 0, "tasks to skip")
	return cmd
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				ctx := cmd.Context()
				rec, err := store.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := store.GetEvents(ctx, &rec.ID, nil, 100, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(struct {
						Task   *stores.TaskRecord `json:"task"`
						Events []*stores.Event     `json:"events"`
					}{rec, events})
				}

				fmt.Printf("Task:    %s\n", rec.ID)
				fmt.Printf("Type:    %s/%s\n", rec.Type, rec.Action)
				fmt.Printf("Status:  %s\n", rec.Status)
				for kind, id := range rec.Objects {
					fmt.Printf("Object:  %s=%s\n", kind, id)
				}
				if rec.Error != nil {
					fmt.Printf("Error:   %s\n", *rec.Error)
				}
				if rec.Comment != "" {
					fmt.Printf("Comment: %s\n", rec.Comment)
				}
				if len(events) > 0 {
					fmt.Printf("\nEvents:\n")
					for _, e := range events {
						fmt.Printf("  %s  %-7s %s\n", humanize.Time(e.Timestamp), e.Level, e.Message)
					}
				}
				return nil
			})
		},
	}
}
