package main

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kotori/common/trace"
	"github.com/bdobrica/Kotori/common/version"
	"github.com/bdobrica/Kotori/internal/kotori/app"
	"github.com/bdobrica/Kotori/internal/kotori/approvals"
	"github.com/bdobrica/Kotori/internal/kotori/audit"
	"github.com/bdobrica/Kotori/internal/kotori/dispatch"
)

const cliChannel = "cli"

func cliContext(user string) dispatch.RequestContext {
	return dispatch.RequestContext{UserID: user, Channel: cliChannel, RequestID: trace.GenerateID()}
}

func printBanner(out io.Writer) {
	fmt.Fprintf(out, "Kotori\n")
	fmt.Fprintf(out, "Version: %s\n", version.Version)
	fmt.Fprintf(out, "Commit: %s\n", version.GitCommit)
	fmt.Fprintf(out, "Build Time: %s\n\n", version.BuildTime)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kotori %s\n", version.Short())
			fmt.Fprintf(out, "Built: %s\n", version.BuildTime)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			return nil
		},
	}
}

func newChatCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "chat [text]",
		Short: "Send one message through the pipeline as a user",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				res, err := a.Dispatcher().Handle(cmd.Context(), strings.Join(args, " "), cliContext(user))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Response)
				if res.ApprovalID != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "\napproval: %s\n", res.ApprovalID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "as", "operator", "user id to act as")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Issue an API bearer token signed with KOTORI_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth := app.NewAuthenticator(cfg.HTTP.JWTSecret)
			if auth.Development() {
				return errors.New("KOTORI_JWT_SECRET is not set")
			}
			tok, err := auth.IssueToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "Inspect and decide on pending approvals",
	}

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				pending, err := a.Workflow().ListPending(cmd.Context(), listUser)
				if err != nil {
					return err
				}
				printApprovals(cmd.OutOrStdout(), pending)
				return nil
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "only this user's requests")

	var actor, reason string
	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve and execute a pending command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				res, err := a.Dispatcher().Approve(cmd.Context(), args[0], cliContext(actor))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Response)
				if !res.Success {
					return errors.New("command failed")
				}
				return nil
			})
		},
	}
	deny := &cobra.Command{
		Use:   "deny <id>",
		Short: "Deny a pending command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				ap, err := a.Dispatcher().Deny(cmd.Context(), args[0], reason, cliContext(actor))
				if err != nil {
					return err
				}
				printApprovals(cmd.OutOrStdout(), []*approvals.Approval{ap})
				return nil
			})
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Withdraw a pending command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				ap, err := a.Dispatcher().Cancel(cmd.Context(), args[0], reason, cliContext(actor))
				if err != nil {
					return err
				}
				printApprovals(cmd.OutOrStdout(), []*approvals.Approval{ap})
				return nil
			})
		},
	}
	for _, c := range []*cobra.Command{approve, deny, cancel} {
		c.Flags().StringVar(&actor, "as", "", "user id deciding (must be the requester or a configured approver)")
		_ = c.MarkFlagRequired("as")
	}
	for _, c := range []*cobra.Command{deny, cancel} {
		c.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	}

	cmd.AddCommand(list, approve, deny, cancel)
	return cmd
}

func printApprovals(out io.Writer, list []*approvals.Approval) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No pending approvals.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tKIND\tSTATUS\tEXPIRES\tDESCRIPTION")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.UserID, a.Kind, a.Status, a.ExpiresAt.Local().Format(time.RFC3339), a.Description)
	}
	_ = tw.Flush()
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read and verify the audit log",
	}

	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				recs, err := a.AuditStore().Tail(cmd.Context(), limit)
				if err != nil {
					return err
				}
				printAudit(cmd.OutOrStdout(), recs)
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&limit, "lines", "n", audit.DefaultTailLimit, "number of entries")

	show := &cobra.Command{
		Use:   "request <request-id>",
		Short: "Show every entry recorded for one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				recs, err := a.AuditStore().ByRequest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printAudit(cmd.OutOrStdout(), recs)
				return nil
			})
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of the whole audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				rep, err := a.AuditStore().Verify(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !rep.OK {
					fmt.Fprintf(out, "❌ chain broken at seq %d after %d entries: %s\n", rep.BrokenAt, rep.Entries, rep.Problem)
					return errors.New("audit log verification failed")
				}
				fmt.Fprintf(out, "✅ %d entries verified, head %s\n", rep.Entries, rep.Head)
				return nil
			})
		},
	}

	cmd.AddCommand(tail, show, verify)
	return cmd
}

func printAudit(out io.Writer, recs []audit.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tTYPE\tACTOR\tACTION\tRESOURCE\tOK\tREQUEST")
	for _, r := range recs {
		resource := r.ResourceType
		if r.ResourceID != "" {
			resource += "/" + r.ResourceID
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			r.Seq, r.Timestamp.Local().Format(time.RFC3339), r.EventType, r.Actor, r.Action, resource, r.Success, r.RequestID)
	}
	_ = tw.Flush()
}
