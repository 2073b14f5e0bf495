// Package main implements the autopilot CLI - the autonomous orchestration
// loop for the agent platform.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/autopilot/agent"
	"github.com/c360studio/autopilot/approval"
	"github.com/c360studio/autopilot/config"
	"github.com/c360studio/autopilot/events"
	"github.com/c360studio/autopilot/vault"
)

// Build information (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		vaultPath  string
	)

	rootCmd := &cobra.Command{
		Use:     "autopilot",
		Short:   "Autonomous agent orchestration loop",
		Long:    `Autopilot runs the autonomous orchestration loop: it scans the workspace for task documents, routes them to capability-matching agents, drives human-in-the-loop approvals, and keeps the dashboard current.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&vaultPath, "vault", "", "Workspace root (overrides config)")

	loadCfg := func() (*config.Config, error) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.LoadFromFile(configPath)
		} else {
			cfg, err = config.NewLoader(logger).Load()
		}
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if vaultPath != "" {
			cfg.Loop.VaultPath = vaultPath
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}

	rootCmd.AddCommand(
		runCommand(loadCfg),
		submitCommand(loadCfg),
		approveCommand(loadCfg),
		rejectCommand(loadCfg),
		approvalsCommand(loadCfg),
		statusCommand(loadCfg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func runCommand(loadCfg func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}

			app, err := NewApp(cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}

			ctx := cmd.Context()
			if err := app.Start(ctx); err != nil {
				return err
			}

			fmt.Printf("autopilot running (vault: %s, cycle: %dms)\n",
				cfg.Loop.VaultPath, cfg.Loop.CycleIntervalMS)

			<-ctx.Done()
			app.Shutdown(15 * time.Second)
			return nil
		},
	}
}

func submitCommand(loadCfg func() (*config.Config, error)) *cobra.Command {
	var (
		payloadJSON      string
		priority         string
		userID           string
		requiresApproval bool
	)

	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Drop a task document into Needs_Action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}

			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}

			task := agent.NewTask(args[0], userID, payload)
			task.Priority = agent.ParsePriority(priority)
			task.TimeoutMS = cfg.Loop.TaskTimeoutMS
			task.RequiresApproval = requiresApproval
			task.Status = agent.StatusQueued

			v := vault.NewManager(cfg.Loop.VaultPath, cfg.LogRoot())
			ctx := cmd.Context()
			if err := v.Initialize(ctx); err != nil {
				return err
			}
			if _, err := v.Create(ctx, vault.FolderNeedsAction, task.ID, task.ToContent()); err != nil {
				return err
			}

			fmt.Printf("queued %s (%s)\n", task.ID, task.Type)
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "", "Task payload as JSON")
	cmd.Flags().StringVar(&priority, "priority", "medium", "Task priority (low|medium|high|critical)")
	cmd.Flags().StringVar(&userID, "user", "cli", "Owner user id")
	cmd.Flags().BoolVar(&requiresApproval, "requires-approval", false, "Park the task in Pending_Approval until approved")
	return cmd
}

func approveCommand(loadCfg func() (*config.Config, error)) *cobra.Command {
	var (
		approverID string
		notes      string
	)

	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflowFor(loadCfg, cmd.Context())
			if err != nil {
				return err
			}
			content, err := wf.Approve(cmd.Context(), args[0], approverID, notes)
			if err != nil {
				return err
			}
			fmt.Printf("approved %s (%v)\n", args[0], content["action_type"])
			return nil
		},
	}

	cmd.Flags().StringVar(&approverID, "by", "cli", "Approver id")
	cmd.Flags().StringVar(&notes, "notes", "", "Approval notes")
	return cmd
}

func rejectCommand(loadCfg func() (*config.Config, error)) *cobra.Command {
	var (
		rejectorID string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "reject <approval-id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflowFor(loadCfg, cmd.Context())
			if err != nil {
				return err
			}
			if _, err := wf.Reject(cmd.Context(), args[0], rejectorID, reason); err != nil {
				return err
			}
			fmt.Printf("rejected %s: %s\n", args[0], reason)
			return nil
		},
	}

	cmd.Flags().StringVar(&rejectorID, "by", "cli", "Rejector id")
	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason (required)")
	return cmd
}

func approvalsCommand(loadCfg func() (*config.Config, error)) *cobra.Command {
	var (
		status string
		userID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflowFor(loadCfg, cmd.Context())
			if err != nil {
				return err
			}
			requests, err := wf.List(cmd.Context(), approval.Status(status), userID, limit)
			if err != nil {
				return err
			}
			if len(requests) == 0 {
				fmt.Println("no approvals")
				return nil
			}
			for _, r := range requests {
				fmt.Printf("%v  %-20v %v (%v)\n", r["id"], r["action_type"], r["summary"], r["risk_level"])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "pending", "Filter: pending|approved|rejected")
	cmd.Flags().StringVar(&userID, "user", "", "Filter by owner")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum results")
	return cmd
}

func statusCommand(loadCfg func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace folder counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}

			v := vault.NewManager(cfg.Loop.VaultPath, "")
			ctx := cmd.Context()

			fmt.Printf("workspace: %s\n", cfg.Loop.VaultPath)
			for _, folder := range vault.Folders {
				if folder == vault.FolderLogs {
					continue
				}
				ids, err := v.List(ctx, folder)
				if err != nil {
					return err
				}
				fmt.Printf("  %-17s %d\n", folder, len(ids))
			}
			fmt.Printf("dashboard: %s\n", cfg.Loop.DashboardPath)
			return nil
		},
	}
}

func workflowFor(loadCfg func() (*config.Config, error), ctx context.Context) (*approval.Workflow, error) {
	cfg, err := loadCfg()
	if err != nil {
		return nil, err
	}
	v := vault.NewManager(cfg.Loop.VaultPath, cfg.LogRoot())
	if err := v.Initialize(ctx); err != nil {
		return nil, err
	}
	return approval.New(v, events.New(), cfg.LogRoot()), nil
}
