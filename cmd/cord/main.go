package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"curricord/internal/app"
	"curricord/internal/config"
	"curricord/internal/db"
	"curricord/internal/engine"
	"curricord/internal/hub"
	"curricord/internal/identity"
	"curricord/internal/repo"
	"curricord/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cord",
	Short: "Curricord CLI",
	Long: `Curricord coordinates multi-agent curriculum analysis.
A session runs a workflow of dependent steps; each step becomes a task that a
registered agent claims, works, and reports back. Progress and agent activity
stream to clients over the websocket hub.`,
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
	viper.SetEnvPrefix("CURRICORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("service-id", "curricord", "service identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("service-id", rootCmd.PersistentFlags().Lookup("service-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write default curricord.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			content := config.GenerateDefault(viper.GetString("service-id"))
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSON(rt.Config)
			})
		},
	})
	return cfg
}

func sessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage analysis sessions",
		Long:  "A session runs one workflow over a target curriculum. It moves pending -> running -> completed/failed/cancelled while its tasks are dispatched to agents.",
	}
	session.AddCommand(sessionStartCmd())
	session.AddCommand(sessionListCmd())
	session.AddCommand(sessionStatusCmd())
	session.AddCommand(sessionCancelCmd())
	return session
}

func sessionStartCmd() *cobra.Command {
	var target, comparison, depth, workflow, input string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an analysis session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.StartSession(ctx, engine.SessionStartOptions{
					TargetID:     target,
					ComparisonID: comparison,
					Depth:        depth,
					WorkflowName: workflow,
					InputJSON:    input,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target curriculum id")
	cmd.Flags().StringVar(&comparison, "comparison", "", "comparison curriculum id")
	cmd.Flags().StringVar(&depth, "depth", "standard", "analysis depth (quick|standard|deep)")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow name")
	cmd.Flags().StringVar(&input, "input", "", "input payload JSON")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListSessions(ctx, repo.SessionFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.AppendHeader(table.Row{"ID", "Target", "Workflow", "Status", "Progress", "Phase"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.TargetID, s.WorkflowName, s.Status, fmt.Sprintf("%d%%", s.Progress), s.Phase})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max sessions")
	return cmd
}

func sessionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show session status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.GetSessionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Session: %s (%s)\n", st.Session.ID, st.Session.Status)
				fmt.Printf("Workflow: %s v%d\n", st.Execution.WorkflowName, st.Execution.WorkflowVersion)
				fmt.Printf("Progress: %d%%", st.Session.Progress)
				if st.Session.Phase != "" {
					fmt.Printf(" (phase: %s)", st.Session.Phase)
				}
				fmt.Println()
				tw := table.NewWriter()
				tw.AppendHeader(table.Row{"Step", "Agent Type", "Status", "Retries", "Agent"})
				for _, t := range st.Tasks {
					agent := "-"
					if t.AgentID != nil {
						agent = *t.AgentID
					}
					tw.AppendRow(table.Row{t.StepID, t.AgentType, t.Status, t.RetryCount, agent})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func sessionCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.CancelSession(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are the workers that claim and execute analysis tasks. Each has a type matching the workflow steps it can serve.",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentHeartbeatCmd())
	agent.AddCommand(agentDisableCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var id, agentType string
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || agentType == "" {
				return fmt.Errorf("--id and --type required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.RegisterAgent(ctx, engine.AgentRegisterOptions{
					ID: id, Type: agentType, Capabilities: capabilities,
				})
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "agent capability (repeatable)")
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Completed", "Failed", "Last Heartbeat"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Type, a.Status, a.TasksCompleted, a.TasksFailed, a.LastHeartbeat})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func agentHeartbeatCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Record an agent heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.Heartbeat(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "idle", "reported status (idle|busy|error)")
	return cmd
}

func agentDisableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disable <agent-id>",
		Short: "Disable an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.DisableAgent(ctx, args[0])
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect and drive tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskFailCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var executionID, agentType, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListTasks(ctx, repo.TaskFilters{
					ExecutionID: executionID,
					AgentType:   agentType,
					Status:      status,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.AppendHeader(table.Row{"ID", "Step", "Agent Type", "Status", "Priority", "Retries"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.StepID, t.AgentType, t.Status, t.Priority, t.RetryCount})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id filter")
	cmd.Flags().StringVar(&agentType, "agent-type", "", "agent type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var agentID, agentType string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next pending task for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || agentType == "" {
				return fmt.Errorf("--agent and --type required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.ClaimTask(ctx, agentType, agentID)
				if errors.Is(err, engine.ErrNoTask) {
					fmt.Println("no claimable task")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var agentID, result string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Report task success",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.CompleteTask(ctx, args[0], agentID, result)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&result, "result", "", "result payload JSON")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var agentID, reason string
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Report task failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.FailTask(ctx, args[0], agentID, reason)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect workflows"}
	wf.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured workflows and stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snapshots, err := rt.Engine.Repo.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"configured": rt.Config.Workflows,
						"snapshots":  snapshots,
					})
				}
				tw := table.NewWriter()
				tw.AppendHeader(table.Row{"Name", "Version", "Steps", "Source"})
				for name, w := range rt.Config.Workflows {
					tw.AppendRow(table.Row{name, w.Version, len(w.Steps), "config"})
				}
				for _, w := range snapshots {
					tw.AppendRow(table.Row{w.Name, w.Version, len(w.Steps), "snapshot"})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	wf.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show a configured workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, ok := rt.Config.Workflows[args[0]]
				if !ok {
					return fmt.Errorf("workflow %s not found", args[0])
				}
				return printJSON(w)
			})
		},
	})
	return wf
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.ListEvents(ctx, sessionID, n, 0)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and websocket hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := os.Getenv("CURRICORD_JWT_SECRET")
				if secret == "" {
					return fmt.Errorf("CURRICORD_JWT_SECRET is required for bearer auth")
				}
				validator := identity.JWTValidator{Secret: secret}
				h := hub.New(hub.Config{
					MaxConnections:    rt.Config.Hub.MaxConnections,
					HeartbeatInterval: rt.Config.Hub.HeartbeatInterval(),
					ConnectionTimeout: rt.Config.Hub.ConnectionTimeout(),
					AuthGrace:         rt.Config.Hub.AuthGrace(),
				}, validator, nil)
				rt.Engine.Notifier = h

				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Hub:      h,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}

				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				h.Run(runCtx)
				go reapLoop(runCtx, rt.Engine)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-runCtx.Done()
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Curricord API on http://%s%s (websocket at /ws, OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				h.Shutdown()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// reapLoop periodically requeues tasks held by agents whose heartbeat lapsed.
func reapLoop(ctx context.Context, e engine.Engine) {
	staleness := time.Duration(e.Config.Scheduler.AgentStalenessSeconds) * time.Second
	if staleness <= 0 {
		return
	}
	ticker := time.NewTicker(staleness / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ReapStaleAgents(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "reap stale agents:", err)
			}
		}
	}
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(viper.GetString("workspace"), viper.GetString("service-id"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
