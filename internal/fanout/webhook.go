package fanout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/google/uuid"

	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/metrics"
	"github.com/kwld/twitch-bridge/internal/retry"
)

const (
	// SignatureHeader carries the HMAC of the request body, hex-encoded
	// with a "sha256=" prefix, keyed by the service's webhook secret.
	SignatureHeader = "X-Bridge-Signature"

	webhookTimeout  = 5 * time.Second
	webhookWorkers  = 32
	workerQueueSize = 64
	webhookAttempts = 3
	webhookBackoff  = 500 * time.Millisecond
)

// Job is one envelope bound for one webhook URL. Jobs with the same
// (service, event type, broadcaster) always land on the same worker, so
// per-key delivery order holds.
type Job struct {
	ServiceID uuid.UUID
	Key       domain.InterestKey
	URL       string
	Secret    string
	Body      []byte
}

// Deliverer drains webhook jobs through a fixed worker pool. A full worker
// queue sheds its oldest job rather than blocking the caller.
type Deliverer struct {
	httpClient *http.Client
	counters   domain.ServiceCounterRepository
	queues     []chan Job
	wg         sync.WaitGroup

	breakerMu sync.Mutex
	breakers  map[uuid.UUID]circuitbreaker.CircuitBreaker[any]
}

func NewDeliverer(counters domain.ServiceCounterRepository) *Deliverer {
	d := &Deliverer{
		httpClient: &http.Client{Timeout: webhookTimeout},
		counters:   counters,
		queues:     make([]chan Job, webhookWorkers),
		breakers:   make(map[uuid.UUID]circuitbreaker.CircuitBreaker[any]),
	}
	for i := range d.queues {
		d.queues[i] = make(chan Job, workerQueueSize)
		d.wg.Add(1)
		go d.worker(d.queues[i])
	}
	return d
}

// Enqueue hands a job to its worker. Never blocks: when the worker queue is
// full the oldest queued job is dropped to protect head-of-line.
func (d *Deliverer) Enqueue(job Job) {
	queue := d.queues[shardFor(job)]

	select {
	case queue <- job:
		return
	default:
	}

	select {
	case dropped := <-queue:
		metrics.FanoutDropped.WithLabelValues("queue_full").Inc()
		slog.Warn("Webhook queue full, dropping oldest job",
			"service_id", dropped.ServiceID.String(),
			"event_type", dropped.Key.EventType,
		)
	default:
	}
	select {
	case queue <- job:
	default:
		metrics.FanoutDropped.WithLabelValues("queue_full").Inc()
	}
}

// Stop drains nothing: queued jobs are abandoned, in-flight deliveries
// finish.
func (d *Deliverer) Stop() {
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
}

func (d *Deliverer) worker(queue chan Job) {
	defer d.wg.Done()
	for job := range queue {
		d.deliver(job)
	}
}

func (d *Deliverer) deliver(job Job) {
	ctx := context.Background()

	cb := d.breakerFor(job.ServiceID)
	if !cb.TryAcquirePermit() {
		metrics.FanoutDropped.WithLabelValues("breaker_open").Inc()
		d.recordFailure(ctx, job.ServiceID)
		return
	}

	err := retry.DoVoid(ctx, webhookRetryPolicy(), classifyWebhookError, func() error {
		return d.post(ctx, job)
	})
	if err != nil {
		cb.RecordError(err)
		slog.Warn("Webhook delivery failed",
			"service_id", job.ServiceID.String(),
			"event_type", job.Key.EventType,
			"url", job.URL,
			"error", err,
		)
		d.recordFailure(ctx, job.ServiceID)
		return
	}

	cb.RecordSuccess()
	metrics.FanoutDelivered.WithLabelValues("webhook").Inc()
	if err := d.counters.IncrDelivered(ctx, job.ServiceID, 1); err != nil {
		slog.Warn("Failed to record delivery counter", "service_id", job.ServiceID.String(), "error", err)
	}
}

func (d *Deliverer) post(ctx context.Context, job Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Body))
	if err != nil {
		return &retryableStatusError{status: 0, err: fmt.Errorf("failed to build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if job.Secret != "" {
		req.Header.Set(SignatureHeader, SignBody(job.Secret, job.Body))
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	outcome := "success"
	if err != nil {
		metrics.WebhookPostDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return &retryableStatusError{status: 0, err: fmt.Errorf("webhook request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = "error"
	}
	metrics.WebhookPostDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if outcome == "error" {
		return &retryableStatusError{
			status: resp.StatusCode,
			err:    fmt.Errorf("webhook responded with status %d", resp.StatusCode),
		}
	}
	return nil
}

func (d *Deliverer) recordFailure(ctx context.Context, serviceID uuid.UUID) {
	if err := d.counters.IncrWebhookFailures(ctx, serviceID, 1); err != nil {
		slog.Warn("Failed to record webhook failure counter", "service_id", serviceID.String(), "error", err)
	}
}

func (d *Deliverer) breakerFor(serviceID uuid.UUID) circuitbreaker.CircuitBreaker[any] {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()

	if cb, ok := d.breakers[serviceID]; ok {
		return cb
	}

	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 30*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "outgoing_webhook",
				"service_id", serviceID.String(),
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("outgoing_webhook", e.NewState.String()).Inc()
		}).
		Build()
	d.breakers[serviceID] = cb
	return cb
}

// SignBody computes the outgoing webhook signature for a body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// retryableStatusError carries the HTTP status so classification can
// distinguish terminal 4xx from transient 5xx and network errors.
type retryableStatusError struct {
	status int
	err    error
}

func (e *retryableStatusError) Error() string { return e.err.Error() }
func (e *retryableStatusError) Unwrap() error { return e.err }

func classifyWebhookError(err error) retry.Action {
	var se *retryableStatusError
	if errors.As(err, &se) && se.status >= 400 && se.status < 500 {
		return retry.Stop
	}
	return retry.Retry
}

func webhookRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:      webhookAttempts,
		InitialBackoff:   webhookBackoff,
		MaxBackoff:       5 * time.Second,
		RateLimitBackoff: 5 * time.Second,
		Jitter:           true,
	}
}

func shardFor(job Job) int {
	h := fnv.New32a()
	h.Write([]byte(job.ServiceID.String()))
	h.Write([]byte{0})
	h.Write([]byte(job.Key.EventType))
	h.Write([]byte{0})
	h.Write([]byte(job.Key.BroadcasterUserID))
	return int(h.Sum32() % webhookWorkers)
}
