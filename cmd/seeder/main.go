package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/rewardops/internal/config"
	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/punchamoorthee/rewardops/internal/logger"
	"github.com/punchamoorthee/rewardops/internal/store"
	"go.uber.org/zap"
)

func main() {
	total := flag.Int("users", 1000, "number of users to seed")
	firstID := flag.Int64("first-telegram-id", 1, "telegram id of the first seeded user")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{ServiceName: "rewardops-seeder", Environment: cfg.Env, Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()
	db, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal("unable to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	log.Info("seeding database", zap.Int("users", *total), zap.Int64("first_telegram_id", *firstID))

	var count int
	if err := db.Db.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		log.Fatal("count users failed", zap.Error(err))
	}
	if count >= *total {
		log.Info("database already seeded, skipping", zap.Int("users", count))
		return
	}

	seeded, err := seed(ctx, db, *firstID, *total)
	if err != nil {
		log.Fatal("bulk insert failed", zap.Error(err))
	}
	log.Info("seeded users", zap.Int64("users", seeded))
}

// seed bulk-loads users with COPY, then gives each new user a zero balance
// and an account_created ledger entry, all in one transaction.
func seed(ctx context.Context, db *store.Store, firstID int64, total int) (int64, error) {
	var copied int64
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		rows := make([][]interface{}, 0, total)
		for i := 0; i < total; i++ {
			id := firstID + int64(i)
			rows = append(rows, []interface{}{id, fmt.Sprintf("seed_%d", id), now})
		}

		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{"users"},
			[]string{"telegram_id", "username", "first_seen"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return err
		}
		copied = n

		if _, err := tx.Exec(ctx,
			`INSERT INTO real_balances (user_id, amount)
			 SELECT u.id, 0 FROM users u
			 LEFT JOIN real_balances b ON b.user_id = u.id
			 WHERE b.user_id IS NULL`); err != nil {
			return fmt.Errorf("seed balances: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (user_id, amount, entry_type, description)
			 SELECT u.id, 0, $1, 'Account created by seeder' FROM users u
			 WHERE NOT EXISTS (SELECT 1 FROM ledger_entries e WHERE e.user_id = u.id)`,
			domain.EntryAccountCreated)
		if err != nil {
			return fmt.Errorf("seed ledger entries: %w", err)
		}
		return nil
	})
	return copied, err
}
