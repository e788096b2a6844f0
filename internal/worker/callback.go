package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/worker/domain"
	"github.com/cuongbtq/gemmie-chat/shared/signing"
)

// CallbackSender delivers a claimed job to its target.
type CallbackSender interface {
	Send(ctx context.Context, job *domain.Job) (int, error)
}

// HTTPSender POSTs the job payload with an HMAC signature the API verifies.
type HTTPSender struct {
	client *http.Client
	secret string
	now    func() time.Time
	logger *slog.Logger
}

// NewHTTPSender creates a sender. Per-job deadlines come from the context;
// timeout only bounds a single request.
func NewHTTPSender(secret string, timeout time.Duration, logger *slog.Logger) *HTTPSender {
	return &HTTPSender{
		client: &http.Client{Timeout: timeout},
		secret: secret,
		now:    time.Now,
		logger: logger,
	}
}

// Send returns the response status code. Network failures and 408/429/5xx
// answers are retryable; any other non-2xx answer is ErrCallbackRejected.
func (s *HTTPSender) Send(ctx context.Context, job *domain.Job) (int, error) {
	body := []byte(job.Payload)
	ts := s.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(signing.HeaderSignature, signing.Sign(s.secret, ts, job.JobID, body))
	req.Header.Set(signing.HeaderJobID, job.JobID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, domain.NewRetryableError(fmt.Errorf("callback request failed: %w", err))
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	s.logger.Debug("Callback delivered",
		slog.String("job_id", job.JobID),
		slog.Int("status_code", resp.StatusCode),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return resp.StatusCode, domain.NewRetryableError(fmt.Errorf("callback returned %d: %s", resp.StatusCode, snippet))
	default:
		return resp.StatusCode, fmt.Errorf("%w: status %d: %s", domain.ErrCallbackRejected, resp.StatusCode, snippet)
	}
}
