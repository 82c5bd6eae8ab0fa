package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/rewardops/internal/domain"
	"go.uber.org/zap"
)

var ErrAuditWrite = errors.New("audit write failed")

var writeFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rewardops_audit_write_failures_total",
	Help: "Audit records that could not be persisted",
})

// Repository is the storage the logger appends to.
type Repository interface {
	AppendAudit(ctx context.Context, rec *domain.AuditRecord) error
	ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditRecord, error)
}

// Logger persists one record per payout attempt. Records are never updated.
type Logger struct {
	repo Repository
	log  *zap.Logger
}

func NewLogger(repo Repository, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{repo: repo, log: log.Named("audit")}
}

// LogTransaction appends rec. Metadata is copied so later caller mutation
// cannot leak into the stored record.
func (l *Logger) LogTransaction(ctx context.Context, rec domain.AuditRecord) error {
	if rec.Metadata != nil {
		md := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			md[k] = v
		}
		rec.Metadata = md
	}

	if err := l.repo.AppendAudit(ctx, &rec); err != nil {
		writeFailures.Inc()
		l.log.Error("audit record not persisted",
			zap.Int64("telegram_id", rec.Recipient),
			zap.String("status", rec.Status),
			zap.String("nonce", rec.Nonce),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}

	l.log.Info("payout audited",
		zap.Int64("id", rec.ID),
		zap.Int64("telegram_id", rec.Recipient),
		zap.String("amount", rec.Amount.String()),
		zap.String("status", rec.Status),
		zap.String("nonce", rec.Nonce),
	)
	return nil
}

func (l *Logger) List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditRecord, error) {
	return l.repo.ListAudit(ctx, f)
}
