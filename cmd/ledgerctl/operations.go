// cmd/ledgerctl/operations.go
package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/javajoker/imi-commission/internal/database"
	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/models"
	"github.com/javajoker/imi-commission/internal/utils"
)

// Reconciler is the part of the ledger the reconcile command drives.
type Reconciler interface {
	Reconcile(ctx context.Context, beneficiaryID uuid.UUID) (*ledger.Reconciliation, error)
}

type BeneficiaryLister interface {
	BeneficiaryIDs(ctx context.Context, limit, offset int) ([]uuid.UUID, error)
}

type MismatchAlerter interface {
	ReconciliationMismatch(ctx context.Context, r ledger.Reconciliation) error
}

func reconcileCmd() *cobra.Command {
	var (
		batch   int
		noAlert bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile [beneficiary-id]",
		Short: "Compare balances with a recomputation from ledger history",
		Long: `Compare materialized balances with the sum of completed ledger entries.

With a beneficiary ID only that balance is checked; otherwise every balance is.
Mismatches raise an operator alert and make the command exit non-zero.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var alerter MismatchAlerter = a.Alerts
			if noAlert {
				alerter = nil
			}
			var ids BeneficiaryLister = a.Ledgers
			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid beneficiary ID: %w", err)
				}
				ids = fixedBeneficiaries{id}
			}
			return reconcile(cmd.Context(), cmd.OutOrStdout(), a.Ledger, ids, alerter, batch)
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 500, "balances read per page")
	cmd.Flags().BoolVar(&noAlert, "no-alert", false, "report mismatches without raising alerts")
	return cmd
}

type fixedBeneficiaries []uuid.UUID

func (f fixedBeneficiaries) BeneficiaryIDs(_ context.Context, limit, offset int) ([]uuid.UUID, error) {
	if offset >= len(f) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f) {
		end = len(f)
	}
	return f[offset:end], nil
}

func reconcile(ctx context.Context, out io.Writer, r Reconciler, ids BeneficiaryLister, alerter MismatchAlerter, batch int) error {
	if batch <= 0 {
		batch = 500
	}
	checked, mismatched := 0, 0
	for offset := 0; ; offset += batch {
		page, err := ids.BeneficiaryIDs(ctx, batch, offset)
		if err != nil {
			return err
		}
		for _, id := range page {
			rec, err := r.Reconcile(ctx, id)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", id, err)
			}
			checked++
			if rec.Consistent {
				continue
			}
			mismatched++
			fmt.Fprintf(out, "MISMATCH %s available %d (history %d) held %d (history %d)\n",
				id, rec.Available, rec.ComputedAvailable, rec.Held, rec.ComputedHeld)
			if alerter != nil {
				if err := alerter.ReconciliationMismatch(ctx, *rec); err != nil {
					return err
				}
			}
		}
		if len(page) < batch {
			break
		}
	}

	fmt.Fprintf(out, "Checked %d balances, %d mismatched\n", checked, mismatched)
	if mismatched > 0 {
		return fmt.Errorf("%d balances do not match their ledger history", mismatched)
	}
	return nil
}

func callbacksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callbacks",
		Short: "Inspect and drive recorded payment callbacks",
	}
	cmd.AddCommand(callbacksListCmd(), callbacksRequeueCmd(), callbacksRetryDueCmd())
	return cmd
}

func callbacksListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List callbacks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			records, total, err := a.Handler.Records(cmd.Context(), models.CallbackStatus(strings.ToUpper(status)), limit, 0)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tTX ID\tORDER\tPAYMENT\tRETRIES\tLAST ERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.Provider, r.ProviderTxID, r.OrderID, r.PaymentStatus, r.RetryCount, r.LastError)
			}
			fmt.Fprintf(w, "%d of %d shown\n", len(records), total)
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.CallbackStatusManualReview), "callback status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func callbacksRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [provider] [provider-tx-id]",
		Short: "Return a callback in manual review to automatic processing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Handler.Requeue(cmd.Context(), models.CallbackKey{Provider: strings.ToLower(args[0]), ProviderTxID: args[1]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Callback %s/%s requeued (status %s)\n", rec.Provider, rec.ProviderTxID, rec.Status)
			return nil
		},
	}
}

func callbacksRetryDueCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "retry-due",
		Short: "Reprocess callbacks whose retry is due or whose lease expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Handler.SweepDue(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reprocessed %d callbacks\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum callbacks to reprocess")
	return cmd
}

// NewUser is the validated input of "users add".
type NewUser struct {
	Username string `validate:"required,username"`
	Rank     string `validate:"required,rank"`
	ParentID string `validate:"omitempty,uuid"`
}

func (n NewUser) Model() (*models.User, error) {
	if errs := utils.GetValidationErrors(utils.ValidateStruct(n)); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("invalid user: %s", strings.Join(msgs, "; "))
	}
	rank, err := models.ParseRank(n.Rank)
	if err != nil {
		return nil, err
	}
	u := &models.User{Username: n.Username, Rank: rank}
	if n.ParentID != "" {
		parent := uuid.MustParse(n.ParentID)
		u.ParentID = &parent
	}
	return u, nil
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Maintain the referral hierarchy",
	}

	var in NewUser
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user under an optional sponsor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := in.Model()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Users.CreateUser(cmd.Context(), u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s created at depth %d\n", u.ID, u.Depth())
			return nil
		},
	}
	add.Flags().StringVar(&in.Username, "username", "", "unique username")
	add.Flags().StringVar(&in.Rank, "rank", string(models.RankNormal), "rank (NORMAL, VIP, STAR_1..STAR_5, DIRECTOR)")
	add.Flags().StringVar(&in.ParentID, "parent", "", "sponsor user ID")

	rank := &cobra.Command{
		Use:   "rank [user-id] [rank]",
		Short: "Change a user's rank",
		Long: `Change a user's rank.

Running servers are told to drop the cached user; one that is not listening
at that moment flushes its user cache when it reconnects.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user ID: %w", err)
			}
			r, err := models.ParseRank(args[1])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Users.UpdateRank(cmd.Context(), id, r); err != nil {
				return err
			}
			if err := a.PublishCacheEvent(cmd.Context(), database.CacheEvent{Kind: database.CacheEventUser, UserID: &id}); err != nil {
				return fmt.Errorf("rank changed but servers were not notified: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s is now %s\n", id, r)
			return nil
		},
	}

	cmd.AddCommand(add, rank)
	return cmd
}
