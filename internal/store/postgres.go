package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

//go:embed schema.sql
var schema string

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside one transaction. It commits when fn returns nil and
// rolls back otherwise; the connection is always returned to the pool.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// CreateUser registers a recipient with a zero balance and an
// account_created ledger entry.
func (s *Store) CreateUser(ctx context.Context, telegramID int64, username *string) (*domain.UserAccount, error) {
	var acc domain.UserAccount
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			"INSERT INTO users (telegram_id, username) VALUES ($1, $2) RETURNING id, telegram_id, username, first_seen",
			telegramID, username,
		).Scan(&acc.ID, &acc.TelegramID, &acc.Username, &acc.FirstSeen)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrUserExists
			}
			return fmt.Errorf("user insert failed: %w", err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO real_balances (user_id, amount) VALUES ($1, 0)", acc.ID); err != nil {
			return fmt.Errorf("balance insert failed: %w", err)
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO ledger_entries (user_id, amount, entry_type, description) VALUES ($1, 0, $2, $3)",
			acc.ID, domain.EntryAccountCreated, "Account created",
		)
		if err != nil {
			return fmt.Errorf("ledger entry failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	acc.Balance = decimal.Zero
	return &acc, nil
}

const accountColumns = `u.id, u.telegram_id, u.username, u.first_seen, COALESCE(b.amount, 0)::text`

func scanAccount(row pgx.Row) (*domain.UserAccount, error) {
	var acc domain.UserAccount
	var balance string
	if err := row.Scan(&acc.ID, &acc.TelegramID, &acc.Username, &acc.FirstSeen, &balance); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	acc.Balance = amount
	return &acc, nil
}

// GetAccount retrieves a user and its balance by Telegram id.
func (s *Store) GetAccount(ctx context.Context, telegramID int64) (*domain.UserAccount, error) {
	row := s.Db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM users u LEFT JOIN real_balances b ON b.user_id = u.id WHERE u.telegram_id = $1",
		telegramID)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return acc, err
}

// ListAccounts returns users newest first.
func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]domain.UserAccount, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+accountColumns+" FROM users u LEFT JOIN real_balances b ON b.user_id = u.id ORDER BY u.first_seen DESC, u.id DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []domain.UserAccount{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

// GetEntries retrieves the most recent ledger entries for a user.
func (s *Store) GetEntries(ctx context.Context, telegramID int64, limit int) ([]domain.LedgerEntry, error) {
	var userID int64
	err := s.Db.QueryRow(ctx, "SELECT id FROM users WHERE telegram_id = $1", telegramID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.Db.Query(ctx,
		`SELECT id, user_id, amount::text, entry_type, COALESCE(description, ''), external_id, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var e domain.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.EntryType, &e.Description, &e.ExternalID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse entry amount %q: %w", amount, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreditReward adds amount to the recipient's balance in one transaction,
// creating the balance row from zero if it is missing, and records a reward
// ledger entry. Concurrent credits to the same user serialize on the row.
func (s *Store) CreditReward(ctx context.Context, telegramID int64, amount decimal.Decimal, externalID, description string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		var userID int64
		err := tx.QueryRow(ctx, "SELECT id FROM users WHERE telegram_id = $1", telegramID).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("user lookup failed: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO real_balances (user_id, amount) VALUES ($1, $2::numeric)
			 ON CONFLICT (user_id) DO UPDATE
			 SET amount = real_balances.amount + EXCLUDED.amount, updated_at = now()`,
			userID, amount.String(),
		)
		if err != nil {
			return fmt.Errorf("balance upsert failed: %w", err)
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO ledger_entries (user_id, amount, entry_type, description, external_id) VALUES ($1, $2::numeric, $3, $4, $5)",
			userID, amount.String(), domain.EntryReward, description, nullIfEmpty(externalID),
		)
		if err != nil {
			return fmt.Errorf("ledger entry failed: %w", err)
		}
		return nil
	})
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
