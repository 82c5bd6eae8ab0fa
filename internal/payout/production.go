package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/punchamoorthee/rewardops/internal/security"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey    = "X-REAL-API-KEY"
	HeaderSignature = "X-REAL-SIGNATURE"
	HeaderTimestamp = "X-REAL-TIMESTAMP"

	// GlobalLimiterKey is checked once per upstream call, before any I/O.
	GlobalLimiterKey = "production:global"

	transactionsPath   = "/v1/transactions"
	defaultMaxAttempts = 3
	defaultTimeout     = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

var upstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rewardops_upstream_attempts_total",
	Help: "HTTP attempts against the payout API, labeled by method and outcome",
}, []string{"method", "outcome"})

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

type ProductionConfig struct {
	BaseURL     string
	APIKey      string
	Signer      *security.SignatureService
	Limiter     security.Limiter
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxAttempts int
	Log         *zap.Logger
}

// ProductionAdapter issues tokens through the signed REAL HTTP API.
type ProductionAdapter struct {
	baseURL     string
	apiKey      string
	signer      *security.SignatureService
	limiter     security.Limiter
	client      *http.Client
	maxAttempts int
	log         *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewProductionAdapter(cfg ProductionConfig) *ProductionAdapter {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &ProductionAdapter{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		signer:      cfg.Signer,
		limiter:     cfg.Limiter,
		client:      client,
		maxAttempts: attempts,
		log:         log.Named("payout.production"),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// WithSleep replaces the backoff sleep. Tests only.
func (a *ProductionAdapter) WithSleep(fn func(ctx context.Context, d time.Duration) error) *ProductionAdapter {
	a.sleep = fn
	return a
}

// WithClock replaces the timestamp source. Tests only.
func (a *ProductionAdapter) WithClock(now func() time.Time) *ProductionAdapter {
	a.now = now
	return a
}

type recipientRef struct {
	TelegramID int64 `json:"telegram_id"`
}

type issueBody struct {
	Recipient recipientRef      `json:"recipient"`
	Amount    string            `json:"amount"`
	Currency  string            `json:"currency"`
	Reason    string            `json:"reason"`
	Nonce     string            `json:"nonce"`
	Metadata  map[string]string `json:"metadata"`
}

func (a *ProductionAdapter) IssueTokens(ctx context.Context, req domain.PayoutRequest) (*domain.Transaction, error) {
	body := issueBody{
		Recipient: recipientRef{TelegramID: req.Recipient},
		Amount:    req.Amount.StringFixedBank(2),
		Currency:  domain.Currency,
		Reason:    req.Reason,
		Nonce:     req.Nonce,
		Metadata:  copyMetadata(req.Metadata),
	}
	return a.call(ctx, http.MethodPost, transactionsPath, body)
}

func (a *ProductionAdapter) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return a.call(ctx, http.MethodGet, transactionsPath+"/"+url.PathEscape(id), nil)
}

func (a *ProductionAdapter) call(ctx context.Context, method, path string, body any) (*domain.Transaction, error) {
	timestamp := a.now().UTC().Format(TimestampLayout)

	signature, err := a.signer.Sign(method, path, timestamp, body)
	if err != nil {
		return nil, &Error{Kind: ErrPayout, Message: "sign request", Err: err}
	}

	var payload []byte
	if body != nil {
		// Send exactly the bytes that were signed.
		if payload, err = security.CanonicalJSON(body); err != nil {
			return nil, &Error{Kind: ErrPayout, Message: "encode request", Signature: signature, Err: err}
		}
	}

	if a.limiter != nil {
		if err := a.limiter.Check(ctx, GlobalLimiterKey); err != nil {
			return nil, &Error{Kind: ErrPayout, Message: "payout api rate limit", Signature: signature, Err: err}
		}
	}

	target := a.baseURL + path
	headers := http.Header{}
	headers.Set(HeaderAPIKey, a.apiKey)
	headers.Set(HeaderSignature, signature)
	headers.Set(HeaderTimestamp, timestamp)
	headers.Set("Content-Type", "application/json")

	a.log.Debug("sending payout api request", zap.String("method", method), zap.String("url", target))

	var resp *http.Response
	for attempt := 1; ; attempt++ {
		resp, err = a.send(ctx, method, target, headers, payload)
		if err != nil {
			upstreamAttempts.WithLabelValues(method, "transport_error").Inc()
			if attempt >= a.maxAttempts {
				return nil, &Error{Kind: ErrPayout, Message: "network error", Signature: signature, Err: err}
			}
			delay := backoff(attempt)
			a.log.Warn("network error, retrying",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			if err := a.sleep(ctx, delay); err != nil {
				return nil, &Error{Kind: ErrPayout, Message: "retry aborted", Signature: signature, Err: err}
			}
			continue
		}

		upstreamAttempts.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		if retryableStatus[resp.StatusCode] && attempt < a.maxAttempts {
			drain(resp)
			delay := backoff(attempt)
			a.log.Warn("upstream error, retrying",
				zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			if err := a.sleep(ctx, delay); err != nil {
				return nil, &Error{Kind: ErrPayout, Message: "retry aborted", Signature: signature, Err: err}
			}
			continue
		}
		break
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: ErrPayout, Message: "read response", Signature: signature, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		a.log.Error("payout api error",
			zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		return nil, &Error{
			Kind:       ErrTransactionRejected,
			Message:    fmt.Sprintf("API responded with status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Signature:  signature,
		}
	}

	tx, err := parseTransaction(raw)
	if err != nil {
		return nil, &Error{Kind: ErrPayout, Message: "invalid response from payout api", Signature: signature, Err: err}
	}
	tx.Signature = signature
	return tx, nil
}

func (a *ProductionAdapter) send(ctx context.Context, method, target string, headers http.Header, payload []byte) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	return a.client.Do(req)
}

// backoff returns 2^attempt seconds: 2s after the first failure, 4s after
// the second.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
}

var requiredFields = []string{"transaction_id", "status", "amount", "processed_at"}

// parseTransaction enforces the upstream response contract: every field
// present and amount a valid decimal. Nothing is coerced from absence.
func parseTransaction(raw []byte) (*domain.Transaction, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadFormat, err)
	}

	values := make(map[string]string, len(requiredFields))
	for _, field := range requiredFields {
		v, ok := payload[field]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: missing field %q", ErrPayloadFormat, field)
		}
		switch tv := v.(type) {
		case string:
			values[field] = tv
		case json.Number:
			values[field] = tv.String()
		case bool:
			values[field] = strconv.FormatBool(tv)
		default:
			return nil, fmt.Errorf("%w: field %q is not a scalar", ErrPayloadFormat, field)
		}
	}

	amount, err := decimal.NewFromString(values["amount"])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrPayloadFormat, values["amount"])
	}

	return &domain.Transaction{
		TransactionID: values["transaction_id"],
		Status:        values["status"],
		Amount:        amount,
		ProcessedAt:   values["processed_at"],
	}, nil
}
