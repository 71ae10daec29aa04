package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/app"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/engine/constraint"
	"foreman/internal/migrate"
	"foreman/internal/plan"
	"foreman/internal/repo"
	"foreman/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fm",
	Short: "Foreman CLI",
	Long: `Foreman coordinates autonomous coding agents working on a shared plan.
Core concepts:
- Workspace: the .foreman directory holding the SQLite database; project config lives in the DB.
- Project: owns tasks, gates, constraints, and decisions.
- Tasks: work items with dependencies and an atomic lock so two agents never grab the same one. They flow todo -> in_progress -> done, with blocked and cancelled as exits.
- Gates: quality checks (tests, lint, security) that must pass before a task completes. Command gates run through a safety classifier first.
- Constraints: project policy rules that block or warn on risky actions, including gate waivers.
- Decisions: recorded choices with rationale; waiving a gate requires one.
- Plans: markdown documents that import into tasks and export back out.
- Event log: append-only diary of everything, view with 'fm log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FOREMAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("agent-id", "", "agent identifier (defaults to actor-id)")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(constraintCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(safetyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string { return viper.GetString("actor-id") }

func agentID() string {
	if id := strings.TrimSpace(viper.GetString("agent-id")); id != "" {
		return id
	}
	return actorID()
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a project in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			if loaded, err := config.LoadOptional(workspace); err == nil && loaded != nil {
				cfg = loaded
				cfg.Project.ID = id
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			p, err := e.InitProject(cmd.Context(), id, actorID(), desc)
			if err != nil {
				return err
			}
			if err := e.Repo.UpsertProjectConfig(cmd.Context(), id, cfg); err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var status string
	var description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if err := e.Repo.UpdateProject(ctx, target, status, descPtr); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (active, paused, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.Repo.DeleteProject(ctx, target)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "FOREMAN_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set FOREMAN_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config is the project rulebook stored in the DB: pick strategy, gate defaults and catalog, extra safety patterns, and webhooks. Import from foreman.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The project scoreboard: task counts per status, how many tasks are locked by agents, and overall project state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID = strings.TrimSpace(projectID)
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				locked := true
				inFlight, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, Locked: &locked})
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":   p.ID,
					"status":       p.Status,
					"task_counts":  counts,
					"locked_tasks": len(inFlight),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Locked by agents: %d\n", len(inFlight))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the units of agent work. They flow todo -> in_progress -> done (blocked and cancelled are exits), may depend on each other, and carry gates that must pass before completion. Picking a task acquires an atomic lock.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskPickCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskResumeCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskArtifactCmd())
	task.AddCommand(taskDepsCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var dependsOn, expectedFiles, subtasks, gates, tags []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			opts.DependsOn = dependsOn
			opts.ExpectedFiles = expectedFiles
			opts.Subtasks = subtasks
			opts.Gates = gates
			opts.Tags = tags
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Key, "key", "", "stable plan key (task-*)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "goal")
	cmd.Flags().StringVar(&opts.Type, "type", "implement", "task type (research, implement, verify, docs, cleanup)")
	cmd.Flags().StringVar(&opts.Context, "context", "", "free-form context for the agent")
	cmd.Flags().StringVar(&opts.Risk, "risk", "", "risk (low, medium, high)")
	cmd.Flags().IntVar(&opts.TimeboxMinutes, "timebox", 0, "timebox in minutes")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().StringArrayVar(&expectedFiles, "expected-file", []string{}, "expected file (repeatable)")
	cmd.Flags().StringArrayVar(&subtasks, "subtask", []string{}, "subtask (repeatable)")
	cmd.Flags().StringArrayVar(&gates, "gate", []string{}, "required gate name (repeatable)")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var lockedFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lockedFlag != "" {
				locked := lockedFlag == "true"
				f.Locked = &locked
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Key", "Title", "Type", "Status", "Risk", "Lock"})
				for _, t := range tasks {
					key := ""
					if t.Key != nil {
						key = *t.Key
					}
					lock := ""
					if t.LockOwner != nil {
						lock = *t.LockOwner
					}
					tw.AppendRow(table.Row{t.ID, key, t.Title, t.Type, t.Status, t.Risk, lock})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&lockedFlag, "locked", "", "locked filter (true or false)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, goal, taskContext, risk string
	var timebox int
	var expectedFiles, subtasks, gates, tags, addDeps []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{
				ID:      args[0],
				ActorID: actorID(),
				AddDeps: addDeps,
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("goal") {
				opts.Goal = &goal
			}
			if cmd.Flags().Changed("context") {
				opts.Context = &taskContext
			}
			if cmd.Flags().Changed("risk") {
				opts.Risk = &risk
			}
			if cmd.Flags().Changed("timebox") {
				opts.TimeboxMinutes = &timebox
			}
			if cmd.Flags().Changed("expected-file") {
				opts.ExpectedFiles = expectedFiles
			}
			if cmd.Flags().Changed("subtask") {
				opts.Subtasks = subtasks
			}
			if cmd.Flags().Changed("gate") {
				opts.Gates = gates
			}
			if cmd.Flags().Changed("tag") {
				opts.Tags = tags
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&goal, "goal", "", "new goal")
	cmd.Flags().StringVar(&taskContext, "context", "", "new context")
	cmd.Flags().StringVar(&risk, "risk", "", "new risk")
	cmd.Flags().IntVar(&timebox, "timebox", 0, "new timebox in minutes")
	cmd.Flags().StringArrayVar(&expectedFiles, "expected-file", []string{}, "replace expected files")
	cmd.Flags().StringArrayVar(&subtasks, "subtask", []string{}, "replace subtasks")
	cmd.Flags().StringArrayVar(&gates, "gate", []string{}, "replace gates")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "replace tags")
	cmd.Flags().StringArrayVar(&addDeps, "add-depends-on", []string{}, "add dependency")
	return cmd
}

func taskPickCmd() *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "pick",
		Short: "Pick the next ready task and lock it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.PickTask(ctx, engine.PickOptions{
					ProjectID: e.Config.Project.ID,
					AgentID:   agentID(),
					Strategy:  strategy,
				})
				if err != nil {
					if errors.Is(err, engine.ErrNoTaskAvailable) && !viper.GetBool("json") {
						fmt.Println("no task available")
						return nil
					}
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "pick strategy (priority, oldest, newest, dependencies)")
	return cmd
}

func taskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a locked task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartTask(ctx, args[0], agentID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Block a task and release its lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.BlockTask(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is blocked")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Return a blocked task to the todo pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ResumeTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is cancelled")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	var artifactIDs []string
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Complete a task (gates must pass, artifacts required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, engine.CompleteOptions{
					TaskID:      args[0],
					ArtifactIDs: artifactIDs,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringArrayVar(&artifactIDs, "artifact", []string{}, "artifact id (repeatable, defaults to all attached)")
	return cmd
}

func taskArtifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Manage task artifacts"}
	art.AddCommand(taskArtifactAddCmd())
	art.AddCommand(taskArtifactListCmd())
	return art
}

func taskArtifactAddCmd() *cobra.Command {
	var kind, uri, note string
	cmd := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Attach an artifact to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddArtifact(ctx, domain.Artifact{
					TaskID: args[0],
					Kind:   kind,
					URI:    uri,
					Note:   note,
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "artifact kind (commit, pr, file, doc, log)")
	cmd.Flags().StringVar(&uri, "uri", "", "artifact location")
	cmd.Flags().StringVar(&note, "note", "", "note")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("uri")
	return cmd
}

func taskArtifactListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List artifacts attached to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListArtifactsByTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func taskDepsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Show the dependency tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: e.Config.Project.ID, Status: status})
				if err != nil {
					return err
				}
				// dependents keyed by the dependency they wait on
				dependents := map[string][]domain.Task{}
				hasDeps := map[string]bool{}
				byID := map[string]domain.Task{}
				for _, t := range tasks {
					byID[t.ID] = t
				}
				for _, t := range tasks {
					for _, dep := range t.DependsOn {
						if _, ok := byID[dep]; !ok {
							continue
						}
						dependents[dep] = append(dependents[dep], t)
						hasDeps[t.ID] = true
					}
				}
				var roots []domain.Task
				for _, t := range tasks {
					if !hasDeps[t.ID] {
						roots = append(roots, t)
					}
				}
				if viper.GetBool("json") {
					type node struct {
						Task       domain.Task `json:"task"`
						Dependents []node      `json:"dependents,omitempty"`
					}
					var build func(t domain.Task, seen map[string]bool) node
					build = func(t domain.Task, seen map[string]bool) node {
						n := node{Task: t}
						for _, d := range dependents[t.ID] {
							if seen[d.ID] {
								continue
							}
							seen[d.ID] = true
							n.Dependents = append(n.Dependents, build(d, seen))
						}
						return n
					}
					var out []node
					for _, r := range roots {
						out = append(out, build(r, map[string]bool{r.ID: true}))
					}
					return printJSON(out)
				}
				for _, r := range roots {
					printDepTree(r, dependents, "", true, map[string]bool{r.ID: true})
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "gate",
		Short: "Manage quality gates",
		Long:  "Gates are named checks (tests, lint, security) a task must satisfy before completion. Command gates execute a shell command after a safety screen; manual gates pass when a human runs them. Waiving a required gate needs a recorded decision.",
	}
	g.AddCommand(gateSetCmd())
	g.AddCommand(gateStatusCmd())
	g.AddCommand(gateRunCmd())
	g.AddCommand(gateRunsCmd())
	g.AddCommand(gateWaiveCmd())
	g.AddCommand(gateCanWaiveCmd())
	return g
}

func gateSetCmd() *cobra.Command {
	var required bool
	var mode, command string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or update a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.ConfigureGate(ctx, engine.GateConfigureOptions{
					ProjectID:  e.Config.Project.ID,
					Name:       args[0],
					IsRequired: required,
					RunnerMode: mode,
					Command:    command,
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().BoolVar(&required, "required", true, "gate is required for completion")
	cmd.Flags().StringVar(&mode, "mode", "manual", "runner mode (manual, command)")
	cmd.Flags().StringVar(&command, "command", "", "shell command for mode=command")
	return cmd
}

func gateStatusCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the gate board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var tid *string
				if taskID != "" {
					tid = &taskID
				}
				statuses, err := e.GateStatuses(ctx, e.Config.Project.ID, tid)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(statuses)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Gate", "Required", "Mode", "Latest Run", "At"})
				for _, s := range statuses {
					latest, at := "never_run", ""
					if s.LatestRun != nil {
						latest = s.LatestRun.Status
						at = s.LatestRun.CreatedAt
					}
					tw.AppendRow(table.Row{s.Gate.Name, s.Gate.IsRequired, s.Gate.RunnerMode, latest, at})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "scope runs to a task")
	return cmd
}

func gateRunCmd() *cobra.Command {
	var taskID, workdir string
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.RunGate(ctx, engine.GateRunOptions{
					ProjectID: e.Config.Project.ID,
					Name:      args[0],
					TaskID:    optionalString(taskID),
					Workdir:   workdir,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id the run is for")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory for command gates")
	return cmd
}

func gateRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <name>",
		Short: "List recent runs of a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetGate(ctx, e.Config.Project.ID, args[0])
				if err != nil {
					return err
				}
				runs, err := e.Repo.ListGateRuns(ctx, g.ID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(runs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 20, "number of runs")
	return cmd
}

func gateWaiveCmd() *cobra.Command {
	var taskID, decisionID, rationale, createdBy string
	cmd := &cobra.Command{
		Use:   "waive <name>",
		Short: "Waive a gate, backed by a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.WaiveGate(ctx, engine.GateWaiveOptions{
					ProjectID:  e.Config.Project.ID,
					Name:       args[0],
					TaskID:     optionalString(taskID),
					DecisionID: decisionID,
					Rationale:  rationale,
					CreatedBy:  createdBy,
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "scope the waiver to a task")
	cmd.Flags().StringVar(&decisionID, "decision", "", "decision id justifying the waiver")
	cmd.Flags().StringVar(&rationale, "rationale", "", "waiver rationale")
	cmd.Flags().StringVar(&createdBy, "created-by", "human", "who waives (agent, human)")
	_ = cmd.MarkFlagRequired("decision")
	_ = cmd.MarkFlagRequired("rationale")
	return cmd
}

func gateCanWaiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "can-waive <name>",
		Short: "Check whether constraints allow waiving a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				allowed, eval, err := e.CanWaive(ctx, e.Config.Project.ID, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"allowed": allowed, "evaluation": eval}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if allowed {
					fmt.Println("waivable")
				} else {
					fmt.Println("blocked by constraints:")
					for _, v := range eval.Violations {
						fmt.Printf("  - %s\n", v.Reason)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func constraintCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "constraint",
		Short: "Manage project constraints",
		Long:  "Constraints are standing policy rules. Each has a scope (project, repo, directory, task_type), a trigger (always, files_match, task_tag, gate, keyword), and an enforcement level: block fails the action, warn only reports.",
	}
	c.AddCommand(constraintAddCmd())
	c.AddCommand(constraintListCmd())
	c.AddCommand(constraintRmCmd())
	c.AddCommand(constraintCheckCmd())
	return c
}

func constraintAddCmd() *cobra.Command {
	var opts engine.ConstraintCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a constraint",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				c, err := e.CreateConstraint(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Scope, "scope", "project", "scope (project, repo, directory, task_type)")
	cmd.Flags().StringVar(&opts.ScopeValue, "scope-value", "", "scope value (directory path or task type)")
	cmd.Flags().StringVar(&opts.Trigger, "trigger", "always", "trigger (always, files_match, task_tag, gate, keyword)")
	cmd.Flags().StringVar(&opts.TriggerValue, "trigger-value", "", "trigger value")
	cmd.Flags().StringVar(&opts.RuleText, "rule", "", "rule text")
	cmd.Flags().StringVar(&opts.EnforcementLevel, "level", "block", "enforcement level (block, warn)")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func constraintListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List constraints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListConstraints(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Scope", "Trigger", "Level", "Rule"})
				for _, c := range items {
					trigger := c.Trigger
					if c.TriggerValue != nil {
						trigger += "=" + *c.TriggerValue
					}
					tw.AppendRow(table.Row{c.ID, c.Scope, trigger, c.EnforcementLevel, c.RuleText})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func constraintRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a constraint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteConstraint(ctx, args[0], actorID())
			})
		},
	}
	return cmd
}

func constraintCheckCmd() *cobra.Command {
	var files, tags, keywords []string
	var gate, taskType, directory, taskID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate constraints against an action context",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cctx := constraint.Context{
					Files:     files,
					Tags:      tags,
					Keywords:  keywords,
					Gate:      gate,
					TaskType:  taskType,
					Directory: directory,
				}
				if taskID != "" {
					t, err := e.Repo.GetTask(ctx, taskID)
					if err != nil {
						return err
					}
					cctx = engine.TaskConstraintContext(t)
				}
				res, err := e.EvaluateConstraints(ctx, e.Config.Project.ID, cctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Passed {
					fmt.Println("constraints OK")
				} else {
					fmt.Println("violations:")
					for _, v := range res.Violations {
						fmt.Printf("  - %s\n", v.Reason)
					}
				}
				for _, w := range res.Warnings {
					fmt.Printf("warning: %s\n", w.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", []string{}, "file touched (repeatable)")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	cmd.Flags().StringArrayVar(&keywords, "keyword", []string{}, "keyword (repeatable)")
	cmd.Flags().StringVar(&gate, "gate", "", "gate name")
	cmd.Flags().StringVar(&taskType, "task-type", "", "task type")
	cmd.Flags().StringVar(&directory, "directory", "", "directory")
	cmd.Flags().StringVar(&taskID, "task", "", "build the context from a task id")
	return cmd
}

func planCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "plan",
		Short: "Import and export plan documents",
		Long:  "Plans are markdown documents ('# Title' plus '### task-key: Title' sections). Import reconciles them with project tasks by key; export renders keyed tasks back out.",
	}
	p.AddCommand(planImportCmd())
	p.AddCommand(planExportCmd())
	p.AddCommand(planCheckCmd())
	return p
}

func planImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a plan document",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ImportPlan(ctx, e.Config.Project.ID, string(data), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to plan markdown")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func planExportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the project plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				text, err := e.ExportPlan(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if outPath != "" {
					return os.WriteFile(outPath, []byte(text), 0o644)
				}
				fmt.Print(text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write to file instead of stdout")
	return cmd
}

func planCheckCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Parse and validate a plan document without importing",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			p, err := plan.Parse(string(data))
			if err != nil {
				return err
			}
			v := plan.Validate(p)
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"ok":       v.OK(),
					"tasks":    len(p.Tasks),
					"errors":   v.Errors,
					"warnings": v.Warnings,
				})
			}
			for _, w := range v.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			if !v.OK() {
				for _, e := range v.Errors {
					fmt.Printf("error: %s\n", e)
				}
				return fmt.Errorf("plan has %d error(s)", len(v.Errors))
			}
			fmt.Printf("plan OK: %d task(s)\n", len(p.Tasks))
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to plan markdown")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Manage decisions",
		Long:  "Decisions capture the important choices and why they were made. Gate waivers must reference one.",
	}
	dec.AddCommand(decisionAddCmd())
	dec.AddCommand(decisionListCmd())
	return dec
}

func decisionAddCmd() *cobra.Command {
	var d domain.Decision
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if d.DeciderID == "" {
				d.DeciderID = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if d.ProjectID == "" {
					d.ProjectID = e.Config.Project.ID
				}
				res, err := e.CreateDecision(ctx, d, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&d.ID, "id", "", "decision id (optional)")
	cmd.Flags().StringVar(&d.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&d.Title, "title", "", "title")
	cmd.Flags().StringVar(&d.Decision, "decision", "", "decision text")
	cmd.Flags().StringVar(&d.Rationale, "rationale", "", "rationale")
	cmd.Flags().StringVar(&d.DeciderID, "decider-id", "", "decider id (defaults to actor-id)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func decisionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDecisions(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func safetyCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "safety",
		Short: "Screen shell commands",
		Long:  "The safety classifier screens commands against a danger pattern table (recursive deletes, disk operations, fork bombs, credential leaks, and config-supplied extras) before the gate engine will run them.",
	}
	s.AddCommand(safetyCheckCmd())
	return s
}

func safetyCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <command>",
		Short: "Analyze a command for dangerous patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep := e.Safety.Analyze(command)
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				if !rep.IsDangerous {
					fmt.Println("command OK")
					return nil
				}
				fmt.Printf("DANGEROUS (%s): %s\n", rep.Severity, rep.Message)
				for _, r := range rep.Recommendations {
					fmt.Printf("  - %s\n", r)
				}
				return fmt.Errorf("command rejected")
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only diary of everything that happened: task transitions, gate runs, waivers, plan imports, and more.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
		Long:  "API keys let agents authenticate without a JWT. Only the SHA-256 hash is stored; the plaintext is shown once at creation.",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name, forActor string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				owner := forActor
				if owner == "" {
					owner = actorID()
				}
				plaintext := "fm_" + strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: owner,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"id":       key.ID,
						"actor_id": key.ActorID,
						"name":     key.Name,
						"key":      plaintext,
					})
				}
				fmt.Printf("API key %s created for %s.\n", key.ID, key.ActorID)
				fmt.Printf("Secret (shown once): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&forActor, "for", "", "actor the key belongs to (defaults to actor-id)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var forActor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, forActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					type row struct {
						ID        string `json:"id"`
						ActorID   string `json:"actor_id"`
						Name      string `json:"name,omitempty"`
						CreatedAt string `json:"created_at"`
					}
					out := make([]row, 0, len(items))
					for _, k := range items {
						out = append(out, row{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forActor, "for", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "Authentication helpers"}
	a.AddCommand(authTokenCmd())
	return a
}

func authTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with FOREMAN_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("FOREMAN_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("FOREMAN_JWT_SECRET is not set")
			}
			if subject == "" {
				subject = actorID()
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   subject,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": signed, "subject": subject})
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var anonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), actorID(), r)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("FOREMAN_JWT_SECRET"),
				AllowAnonymous: anonymous,
			}
			if authCfg.JWTSecret == "" && !anonymous {
				return fmt.Errorf("FOREMAN_JWT_SECRET is required unless --allow-anonymous is set")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Foreman API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&anonymous, "allow-anonymous", false, "allow unauthenticated local requests")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func printDepTree(t domain.Task, dependents map[string][]domain.Task, prefix string, last bool, seen map[string]bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	key := ""
	if t.Key != nil {
		key = " (" + *t.Key + ")"
	}
	fmt.Printf("%s%s%s%s [%s]\n", prefix, connector, t.Title, key, t.Status)
	kids := dependents[t.ID]
	shown := 0
	for _, c := range kids {
		if seen[c.ID] {
			continue
		}
		shown++
	}
	i := 0
	for _, c := range kids {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		i++
		printDepTree(c, dependents, newPrefix, i == shown, seen)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
