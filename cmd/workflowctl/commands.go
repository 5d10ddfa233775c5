package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/blingmoon/simple-automation/internal/bootstrap"
	"github.com/blingmoon/simple-automation/internal/commonregister"
	"github.com/blingmoon/simple-automation/workflow"
)

func (c *cli) migrateCommand() *cobra.Command {
	var entityTables bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the engine tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bootstrap.Migrate(c.app.DB); err != nil {
				return err
			}
			if entityTables {
				if err := commonregister.EnsureEntityTables(c.app.DB); err != nil {
					return err
				}
			}
			slog.InfoContext(cmd.Context(), fmt.Sprintf("migrate done, db: %s", c.cfg.DB.Path))
			return nil
		},
	}
	cmd.Flags().BoolVar(&entityTables, "entity-tables", true, "also create the sample jobs and candidates tables")
	return cmd
}

func (c *cli) seedCommand() *cobra.Command {
	var webhookURL string
	var withDirectory bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register the sample recruiting workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if withDirectory {
				if err := commonregister.SeedDirectory(ctx, c.app.DB, c.orgID); err != nil {
					return err
				}
			}
			registered, err := commonregister.RegisterRecruitingWorkflows(ctx, c.app.Repo, &commonregister.RegisterOptions{
				OrgID:               c.orgID,
				JobFilledWebhookURL: webhookURL,
			})
			if err != nil {
				return err
			}
			return c.print(cmd, registered)
		},
	}
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "register the job filled webhook workflow with this url")
	cmd.Flags().BoolVar(&withDirectory, "directory", true, "also seed the sample users, roles and pods")
	return cmd
}

func decodeRecord(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	record := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, errors.WithMessage(err, "record must be a JSON object")
	}
	return record, nil
}

func (c *cli) triggerCommand() *cobra.Command {
	req := &workflow.TriggerReq{}
	var record, previous string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Fire an entity lifecycle event",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			req.OrgID = c.orgID
			if req.Record, err = decodeRecord(record); err != nil {
				return err
			}
			if req.PreviousRecord, err = decodeRecord(previous); err != nil {
				return err
			}
			results, err := c.app.Service.TriggerWorkflows(cmd.Context(), req)
			if printErr := c.print(cmd, results); printErr != nil {
				return printErr
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.EntityType, "entity-type", "", "entity type, e.g. job or candidate")
	flags.StringVar(&req.EntityID, "entity-id", "", "entity id")
	flags.StringVar(&req.TriggerEvent, "event", "create", "trigger event")
	flags.StringVar(&record, "record", "", "record JSON, loaded from the entity table when empty")
	flags.StringVar(&previous, "previous", "", "previous record JSON for update events")
	flags.StringVar(&req.TriggeredBy, "user", "", "acting user id")
	return cmd
}

func (c *cli) respondCommand() *cobra.Command {
	req := &workflow.ApprovalResponseReq{}
	var response string
	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Approve or reject a pending approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Response = workflow.ApprovalResponse(response)
			execution, err := c.app.Service.ProcessApprovalResponse(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.print(cmd, execution)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.ApprovalID, "approval", "", "approval id")
	flags.StringVar(&response, "response", "approved", "approved or rejected")
	flags.StringVar(&req.Notes, "notes", "", "response notes")
	flags.StringVar(&req.ResponderID, "user", "", "responding user id")
	return cmd
}

func (c *cli) cancelCommand() *cobra.Command {
	req := &workflow.CancelExecutionReq{}
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a running execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Service.CancelExecution(cmd.Context(), req)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.ExecutionID, "execution", "", "execution id")
	flags.StringVar(&req.Reason, "reason", "", "cancellation reason")
	flags.StringVar(&req.UserID, "user", "", "cancelling user id")
	return cmd
}

func (c *cli) pendingCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List the pending approvals of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			approvals, err := c.app.Service.GetPendingApprovals(cmd.Context(), &workflow.PendingApprovalsParams{
				OrgID:  c.orgID,
				UserID: userID,
			})
			if err != nil {
				return err
			}
			return c.print(cmd, approvals)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "approver user id")
	return cmd
}

func (c *cli) sweepCommand() *cobra.Command {
	var interval time.Duration
	var limit int64
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue approvals, once or on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := c.sweepOnce(ctx, limit); err != nil || interval <= 0 {
				return err
			}
			if metricsAddr != "" {
				server := serveMetrics(ctx, metricsAddr)
				defer server.Shutdown(context.Background())
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					slog.InfoContext(cmd.Context(), "sweep stopped")
					return nil
				case <-ticker.C:
					// 单次失败只记日志, 下个周期继续
					if err := c.sweepOnce(ctx, limit); err != nil {
						slog.ErrorContext(ctx, fmt.Sprintf("sweep failed, err: %v", err))
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat on this interval, 0 runs once")
	cmd.Flags().Int64Var(&limit, "limit", 100, "max approvals per sweep")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus /metrics on this address while sweeping")
	return cmd
}

func serveMetrics(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, fmt.Sprintf("metrics server stopped, addr: %s, err: %v", addr, err))
		}
	}()
	return server
}

func (c *cli) sweepOnce(ctx context.Context, limit int64) error {
	expired, err := c.app.Service.ExpireOverdueApprovals(ctx, &workflow.ExpireOverdueParams{
		OrgID: &c.orgID,
		Limit: limit,
	})
	if expired > 0 {
		slog.InfoContext(ctx, fmt.Sprintf("expired %d overdue approvals, orgID: %s", expired, c.orgID))
	}
	return err
}

func (c *cli) showCommand() *cobra.Command {
	var executionID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an execution with its approvals and log",
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := c.app.Service.QueryExecutionDetail(cmd.Context(), executionID)
			if err != nil {
				return err
			}
			return c.print(cmd, detail)
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id")
	return cmd
}
