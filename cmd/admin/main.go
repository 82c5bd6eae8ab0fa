// admin is the operator CLI for inspecting users, the audit trail and token
// reports, and for reconciling balances against accepted payouts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/punchamoorthee/rewardops/internal/config"
	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/punchamoorthee/rewardops/internal/store"
	"github.com/spf13/pflag"
)

type adminStore interface {
	ListAccounts(ctx context.Context, limit, offset int) ([]domain.UserAccount, error)
	GetAccount(ctx context.Context, telegramID int64) (*domain.UserAccount, error)
	GetEntries(ctx context.Context, telegramID int64, limit int) ([]domain.LedgerEntry, error)
	ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditRecord, error)
	TokenReport(ctx context.Context, topN, days int) (*domain.TokenReport, error)
	Reconcile(ctx context.Context) ([]domain.Discrepancy, error)
}

// errDiscrepancies makes reconcile exit non-zero for cron use.
var errDiscrepancies = errors.New("balances do not match accepted payouts")

const usage = `usage: admin <command> [flags]

commands:
  list-users    table of registered users and balances
  show-user     one user with recent ledger entries (--telegram-id)
  list-audit    payout audit trail (--telegram-id, --status, --limit)
  report        accepted totals, failures, top users and daily sums
  reconcile     users whose balance differs from their accepted payouts
`

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := run(ctx, db, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		db.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, db adminStore, args []string, out io.Writer) error {
	cmd, args := args[0], args[1:]
	flags := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	flags.SetOutput(out)

	switch cmd {
	case "list-users":
		limit := flags.Int("limit", 100, "maximum users to list")
		offset := flags.Int("offset", 0, "users to skip")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return listUsers(ctx, db, out, *limit, *offset)

	case "show-user":
		telegramID := flags.Int64("telegram-id", 0, "telegram id of the user")
		entries := flags.Int("entries", 20, "ledger entries to show")
		if err := flags.Parse(args); err != nil {
			return err
		}
		if *telegramID == 0 {
			return errors.New("--telegram-id is required")
		}
		return showUser(ctx, db, out, *telegramID, *entries)

	case "list-audit":
		telegramID := flags.Int64("telegram-id", 0, "filter by telegram id")
		status := flags.String("status", "", "filter by status")
		limit := flags.Int("limit", 50, "maximum records to list")
		if err := flags.Parse(args); err != nil {
			return err
		}
		filter := domain.AuditFilter{Status: *status, Limit: *limit}
		if flags.Changed("telegram-id") {
			filter.Recipient = telegramID
		}
		return listAudit(ctx, db, out, filter)

	case "report":
		top := flags.Int("top", 5, "number of top users")
		days := flags.Int("days", 7, "days of daily totals")
		if err := flags.Parse(args); err != nil {
			return err
		}
		report, err := db.TokenReport(ctx, *top, *days)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, renderReport(report))
		return err

	case "reconcile":
		if err := flags.Parse(args); err != nil {
			return err
		}
		return reconcile(ctx, db, out)
	}
	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

func listUsers(ctx context.Context, db adminStore, out io.Writer, limit, offset int) error {
	accounts, err := db.ListAccounts(ctx, limit, offset)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTELEGRAM ID\tUSERNAME\tREGISTERED\tBALANCE")
	for _, acc := range accounts {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
			acc.ID, acc.TelegramID, deref(acc.Username), acc.FirstSeen.UTC().Format(time.RFC3339), acc.Balance.StringFixed(2))
	}
	return w.Flush()
}

func showUser(ctx context.Context, db adminStore, out io.Writer, telegramID int64, limit int) error {
	acc, err := db.GetAccount(ctx, telegramID)
	if errors.Is(err, store.ErrUserNotFound) {
		fmt.Fprintf(out, "no user with telegram id %d\n", telegramID)
		return nil
	}
	if err != nil {
		return err
	}
	entries, err := db.GetEntries(ctx, telegramID, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "User ID:     %d\n", acc.ID)
	fmt.Fprintf(out, "Telegram ID: %d\n", acc.TelegramID)
	fmt.Fprintf(out, "Username:    %s\n", deref(acc.Username))
	fmt.Fprintf(out, "Registered:  %s\n", acc.FirstSeen.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Balance:     %s %s\n", acc.Balance.StringFixed(2), domain.Currency)

	if len(entries) == 0 {
		fmt.Fprintln(out, "Ledger: no entries yet.")
		return nil
	}
	fmt.Fprintln(out, "Ledger:")
	for _, e := range entries {
		fmt.Fprintf(out, "  - %s | %s | %s | %s\n",
			e.CreatedAt.UTC().Format(time.RFC3339), e.EntryType, e.Amount.StringFixed(2), e.Description)
	}
	return nil
}

func listAudit(ctx context.Context, db adminStore, out io.Writer, f domain.AuditFilter) error {
	records, err := db.ListAudit(ctx, f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTELEGRAM ID\tSTATUS\tAMOUNT\tNONCE\tEXTERNAL ID\tCREATED")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Recipient, r.Status, r.Amount.StringFixed(2), r.Nonce, deref(r.ExternalID), r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func renderReport(r *domain.TokenReport) string {
	var b strings.Builder
	fmt.Fprintln(&b, "REAL token report:")
	fmt.Fprintf(&b, "Accepted transactions: %d\n", r.AcceptedTransactions)
	fmt.Fprintf(&b, "Total paid out:        %s %s\n", r.TotalAmount.StringFixed(2), domain.Currency)
	fmt.Fprintf(&b, "Failed transactions:   %d\n", r.Failures)

	fmt.Fprintln(&b, "Top users:")
	if len(r.TopUsers) == 0 {
		fmt.Fprintln(&b, "  - no payouts recorded")
	}
	for _, u := range r.TopUsers {
		fmt.Fprintf(&b, "  - %d: %s %s\n", u.Recipient, u.Amount.StringFixed(2), domain.Currency)
	}

	fmt.Fprintln(&b, "Daily totals:")
	if len(r.DailyTotals) == 0 {
		fmt.Fprintln(&b, "  - no data")
	}
	for _, d := range r.DailyTotals {
		fmt.Fprintf(&b, "  - %s: %s %s\n", d.Day, d.Amount.StringFixed(2), domain.Currency)
	}
	return b.String()
}

func reconcile(ctx context.Context, db adminStore, out io.Writer) error {
	diffs, err := db.Reconcile(ctx)
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		fmt.Fprintln(out, "all balances match accepted payouts")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TELEGRAM ID\tBALANCE\tACCEPTED\tDIFFERENCE")
	for _, d := range diffs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			d.Recipient, d.Balance.StringFixed(2), d.AcceptedTotal.StringFixed(2), d.Difference.StringFixed(2))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %d users", errDiscrepancies, len(diffs))
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
