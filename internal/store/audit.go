package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/shopspring/decimal"
)

// AppendAudit inserts one audit row. The record's ID and CreatedAt are
// filled from the database.
func (s *Store) AppendAudit(ctx context.Context, rec *domain.AuditRecord) error {
	var metadata []byte
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = raw
	}

	err := s.Db.QueryRow(ctx,
		`INSERT INTO token_transactions
		   (user_id, telegram_id, amount, reason, status, external_id, nonce, signature, metadata)
		 VALUES ((SELECT id FROM users WHERE telegram_id = $1), $1, $2::numeric, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		rec.Recipient, rec.Amount.String(), rec.Reason, rec.Status, rec.ExternalID, rec.Nonce, rec.Signature, metadata,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

// ListAudit returns audit rows matching the filter, newest first.
func (s *Store) ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Recipient != nil {
		args = append(args, *f.Recipient)
		where = append(where, fmt.Sprintf("telegram_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT id, telegram_id, amount::text, reason, status, nonce, signature, external_id, metadata, created_at
	          FROM token_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.AuditRecord{}
	for rows.Next() {
		var (
			rec      domain.AuditRecord
			amount   string
			metadata []byte
		)
		err := rows.Scan(&rec.ID, &rec.Recipient, &amount, &rec.Reason, &rec.Status, &rec.Nonce,
			&rec.Signature, &rec.ExternalID, &metadata, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse audit amount %q: %w", amount, err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
