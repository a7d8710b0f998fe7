// Package transmit delivers valid TISS submissions to insurer web services.
package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/domain/billing"
	"github.com/atendebem/go-atende/internal/observability/metrics"
	"github.com/atendebem/go-atende/pkg/circuitbreaker"
	"github.com/atendebem/go-atende/pkg/idempotency"
	"github.com/atendebem/go-atende/pkg/workerpool"
)

// HandlerName identifies transmissions in the idempotency inbox.
const HandlerName = "tiss-transmitter"

// ActorID is recorded as the actor of transmission audit entries.
const ActorID = "system:tiss-transmitter"

const maxReceiptBody = 1 << 20

// Submissions is the billing side of a delivery.
type Submissions interface {
	GetSubmission(ctx context.Context, scope auth.Scope, id string) (*billing.Submission, error)
	MarkTransmitted(ctx context.Context, scope auth.Scope, id, method, protocol string) (*billing.Submission, error)
	MarkTransmissionFailed(ctx context.Context, scope auth.Scope, id, method string, cause error) (*billing.Submission, error)
}

// Inbox runs fn at most once per key.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Transmitter posts submission XML to the insurer named in the request.
type Transmitter struct {
	subs     Submissions
	inbox    Inbox
	endpoint string
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

type Option func(*Transmitter)

func WithHTTPClient(c *http.Client) Option {
	return func(t *Transmitter) { t.client = c }
}

func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(t *Transmitter) { t.breakers = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transmitter) { t.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Transmitter) { t.logger = l }
}

// New builds a transmitter. endpointTemplate contains {ans}, replaced by the
// insurer's ANS registry number.
func New(subs Submissions, inbox Inbox, endpointTemplate string, opts ...Option) *Transmitter {
	t := &Transmitter{
		subs:     subs,
		inbox:    inbox,
		endpoint: endpointTemplate,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("tiss-transmitter"),
	}
	for _, o := range opts {
		o(t)
	}
	if t.breakers == nil {
		cfg := circuitbreaker.DefaultConfig("insurer")
		cfg.IsStructural = IsRejection
		t.breakers = circuitbreaker.NewManager(cfg, t.logger)
	}
	return t
}

// IsRejection reports an insurer refusing the document itself. Rejections
// are terminal and say nothing about the insurer's availability.
func IsRejection(err error) bool {
	return apperror.KindOf(err) == apperror.KindValidation
}

// Handle delivers one request from the submissions topic. Redelivered
// requests for a finished submission are dropped.
func (t *Transmitter) Handle(ctx context.Context, req billing.TransmissionRequest) error {
	ctx, span := t.tracer.Start(ctx, "tiss.transmit",
		trace.WithAttributes(
			attribute.String("submission_id", req.SubmissionID),
			attribute.String("insurer_ans", req.InsurerANS),
		))
	defer span.End()

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	key := idempotency.GenerateKey(HandlerName, req.TenantID, req.SubmissionID)

	res, err := t.inbox.Process(ctx, key, HandlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		protocol, err := t.deliver(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"protocol": protocol})
	})
	switch {
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrPreviouslyFailed):
		t.logger.Info("transmission skipped",
			zap.String("submission_id", req.SubmissionID),
			zap.Error(err))
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !res.IsNew && !res.WasRecovered {
		t.logger.Debug("duplicate transmission request",
			zap.String("submission_id", req.SubmissionID))
	}
	return nil
}

func (t *Transmitter) deliver(ctx context.Context, req billing.TransmissionRequest) (string, error) {
	const op = "transmit.deliver"
	scope := auth.Scope{TenantID: req.TenantID, UserID: ActorID, Role: "system"}

	sub, err := t.subs.GetSubmission(ctx, scope, req.SubmissionID)
	if err != nil {
		return "", err
	}
	switch sub.Status {
	case billing.TransmissionTransmitted:
		return sub.Protocol, nil
	case billing.TransmissionNotSent:
		return "", apperror.Conflict(op, "submission failed validation and is never transmitted")
	}
	if sub.Hash != req.Hash {
		return "", apperror.Conflict(op, "submission hash does not match the request")
	}

	start := time.Now()
	out, err := t.breakers.Execute(ctx, "insurer-"+sub.InsurerANS, func() (interface{}, error) {
		return t.post(ctx, sub)
	})
	if err != nil {
		t.metrics.SubmissionTransmitted(string(billing.TransmissionFailed), time.Since(start))
		if _, markErr := t.subs.MarkTransmissionFailed(ctx, scope, sub.ID, billing.MethodWebService, err); markErr != nil {
			t.logger.Error("failed to record transmission failure",
				zap.String("submission_id", sub.ID),
				zap.Error(markErr))
		}
		t.logger.Warn("transmission failed",
			zap.String("submission_id", sub.ID),
			zap.String("insurer_ans", sub.InsurerANS),
			zap.Bool("rejected", IsRejection(err)),
			zap.Error(err))
		return "", err
	}
	protocol := out.(string)
	t.metrics.SubmissionTransmitted(string(billing.TransmissionTransmitted), time.Since(start))

	if _, err := t.subs.MarkTransmitted(ctx, scope, sub.ID, billing.MethodWebService, protocol); err != nil {
		return "", err
	}
	t.logger.Info("submission transmitted",
		zap.String("submission_id", sub.ID),
		zap.String("insurer_ans", sub.InsurerANS),
		zap.String("protocol", protocol))
	return protocol, nil
}

func (t *Transmitter) post(ctx context.Context, sub *billing.Submission) (string, error) {
	const op = "transmit.post"
	url := strings.ReplaceAll(t.endpoint, "{ans}", sub.InsurerANS)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(sub.XML))
	if err != nil {
		return "", apperror.Internal(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/xml; charset=utf-8")
	httpReq.Header.Set("X-TISS-Hash", sub.Hash)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", apperror.Provider(op, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReceiptBody))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", apperror.Provider(op, fmt.Errorf("insurer answered %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return "", apperror.Validation(op, "submission", fmt.Sprintf("insurer rejected the lot (%d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	protocol := resp.Header.Get("X-Protocol")
	if protocol == "" {
		protocol = receiptProtocol(body)
	}
	if protocol == "" {
		return "", apperror.Provider(op, errors.New("insurer receipt carries no protocol number"))
	}
	return protocol, nil
}

// receiptProtocol finds numeroProtocolo anywhere in a receipt document.
func receiptProtocol(body []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "numeroProtocolo" {
			continue
		}
		var v string
		if err := dec.DecodeElement(&v, &start); err != nil {
			return ""
		}
		return strings.TrimSpace(v)
	}
}

// Work adapts Handle to a worker pool. Terminal failures are not retried.
func (t *Transmitter) Work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	req, ok := task.Payload.(billing.TransmissionRequest)
	if !ok {
		return &workerpool.Result{Error: apperror.Validation("transmit.Work", "payload", fmt.Sprintf("unexpected %T", task.Payload))}
	}
	if err := t.Handle(ctx, req); err != nil {
		return &workerpool.Result{Error: err}
	}
	return &workerpool.Result{Success: true}
}

// ShouldRetry is the retry filter for pools running Work.
func ShouldRetry(err error) bool {
	return !idempotency.IsTerminal(err)
}
