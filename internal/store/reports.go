package store

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/shopspring/decimal"
)

// TokenReport aggregates accepted payouts from the audit trail. Failures
// counts every row whose status is not accepted.
func (s *Store) TokenReport(ctx context.Context, topN, days int) (*domain.TokenReport, error) {
	report := &domain.TokenReport{
		TopUsers:    []domain.RecipientTotal{},
		DailyTotals: []domain.DayTotal{},
	}

	var total string
	err := s.Db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount) FILTER (WHERE status = 'accepted'), 0)::text,
		        COUNT(*) FILTER (WHERE status = 'accepted'),
		        COUNT(*) FILTER (WHERE status <> 'accepted')
		 FROM token_transactions`,
	).Scan(&total, &report.AcceptedTransactions, &report.Failures)
	if err != nil {
		return nil, fmt.Errorf("report totals: %w", err)
	}
	if report.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total %q: %w", total, err)
	}

	rows, err := s.Db.Query(ctx,
		`SELECT telegram_id, SUM(amount)::text AS total
		 FROM token_transactions WHERE status = 'accepted'
		 GROUP BY telegram_id ORDER BY SUM(amount) DESC, telegram_id LIMIT $1`,
		topN)
	if err != nil {
		return nil, fmt.Errorf("report top users: %w", err)
	}
	for rows.Next() {
		var rt domain.RecipientTotal
		var amount string
		if err := rows.Scan(&rt.Recipient, &amount); err != nil {
			rows.Close()
			return nil, err
		}
		if rt.Amount, err = decimal.NewFromString(amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse top user amount %q: %w", amount, err)
		}
		report.TopUsers = append(report.TopUsers, rt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.Db.Query(ctx,
		`SELECT to_char(date_trunc('day', created_at), 'YYYY-MM-DD') AS day, SUM(amount)::text
		 FROM token_transactions
		 WHERE status = 'accepted' AND created_at >= now() - make_interval(days => $1::int)
		 GROUP BY day ORDER BY day`,
		days)
	if err != nil {
		return nil, fmt.Errorf("report daily totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dt domain.DayTotal
		var amount string
		if err := rows.Scan(&dt.Day, &amount); err != nil {
			return nil, err
		}
		if dt.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse daily amount %q: %w", amount, err)
		}
		report.DailyTotals = append(report.DailyTotals, dt)
	}
	return report, rows.Err()
}

// Reconcile lists users whose balance differs from the sum of their accepted
// audit rows. A ledger credit that failed after an accepted payout shows up
// here.
func (s *Store) Reconcile(ctx context.Context) ([]domain.Discrepancy, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT u.telegram_id,
		        COALESCE(b.amount, 0)::text,
		        COALESCE(t.total, 0)::text,
		        (COALESCE(t.total, 0) - COALESCE(b.amount, 0))::text
		 FROM users u
		 LEFT JOIN real_balances b ON b.user_id = u.id
		 LEFT JOIN (
		     SELECT telegram_id, SUM(amount) AS total
		     FROM token_transactions WHERE status = 'accepted'
		     GROUP BY telegram_id
		 ) t ON t.telegram_id = u.telegram_id
		 WHERE COALESCE(b.amount, 0) <> COALESCE(t.total, 0)
		 ORDER BY u.telegram_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Discrepancy{}
	for rows.Next() {
		var d domain.Discrepancy
		var balance, accepted, diff string
		if err := rows.Scan(&d.Recipient, &balance, &accepted, &diff); err != nil {
			return nil, err
		}
		if d.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("parse balance %q: %w", balance, err)
		}
		if d.AcceptedTotal, err = decimal.NewFromString(accepted); err != nil {
			return nil, fmt.Errorf("parse accepted total %q: %w", accepted, err)
		}
		if d.Difference, err = decimal.NewFromString(diff); err != nil {
			return nil, fmt.Errorf("parse difference %q: %w", diff, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
