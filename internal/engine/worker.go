package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"hookrelay/internal/config"
	"hookrelay/internal/metadata"
	"hookrelay/internal/store"
)

// WorkerPool drains the outbox with a bounded number of concurrent
// deliveries. Workers coordinate only through the _webhook_events
// table: each claims one due event exclusively, delivers it, and
// records the outcome. Idle workers sleep until a wake signal or the
// poll tick, so a missed notification can delay an event but never
// strand it.
type WorkerPool struct {
	store      *store.Store
	registry   *metadata.Registry
	queue      *Queue
	cfg        config.DeliveryConfig
	backoffCap time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkerPool(s *store.Store, reg *metadata.Registry, queue *Queue, cfg config.DeliveryConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 15
	}
	backoffCap := DefaultBackoffCap
	if cfg.BackoffCapSeconds > 0 {
		backoffCap = time.Duration(cfg.BackoffCapSeconds) * time.Second
	}
	return &WorkerPool{
		store:      s,
		registry:   reg,
		queue:      queue,
		cfg:        cfg,
		backoffCap: backoffCap,
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the delivery workers and the wake listener.
func (p *WorkerPool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	hostname, _ := os.Hostname()
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", hostname, i)
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}

	listener := newWakeListener(p.store.Pool, p.cfg.WakeChannel, p.wake)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		listener.run(ctx)
	}()

	log.Printf("Delivery worker pool started (%d workers, %ds poll interval)",
		p.cfg.Workers, p.cfg.PollIntervalSeconds)
}

// Stop halts the workers and waits for in-flight deliveries to finish.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Wake nudges one idle worker. Coalesces when the pool is already
// signalled.
func (p *WorkerPool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *WorkerPool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	poll := time.NewTicker(time.Duration(p.cfg.PollIntervalSeconds) * time.Second)
	defer poll.Stop()

	for {
		ev, err := p.queue.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("ERROR: worker %s claim: %v", workerID, err)
		}
		if ev != nil {
			// More work may be due; pull a sibling in before going
			// back to delivering.
			p.Wake()
			p.deliver(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-poll.C:
		}
	}
}

func (p *WorkerPool) deliver(ctx context.Context, ev *ClaimedEvent) {
	wh := p.registry.GetWebhook(ev.WebhookID)
	if wh == nil {
		// Config row vanished between claim and load; nothing to send to.
		if err := p.queue.MarkFailure(ctx, ev.ID, true, time.Time{}, nil, "", "webhook configuration missing"); err != nil {
			log.Printf("ERROR: finalize orphaned event %s: %v", ev.ID, err)
		}
		return
	}

	payload := BuildDeliveryPayload(ev)
	body, err := json.Marshal(payload)
	if err != nil {
		p.recordFailure(ctx, ev, wh, nil, "", fmt.Sprintf("serialize payload: %v", err))
		return
	}

	headers := ResolveHeaders(wh.Headers)
	if wh.Secret != "" {
		headers[HeaderSignature] = Sign(wh.Secret, body)
	}
	headers[HeaderIdempotencyKey] = ev.IdempotencyKey
	headers[HeaderEventID] = ev.ID

	timeout := time.Duration(wh.Retry.TimeoutSeconds) * time.Second
	result := Dispatch(ctx, wh.URL, headers, body, timeout)

	if result.Delivered() {
		excerpt := truncate(result.ResponseBody, p.cfg.ResponseExcerptSize)
		if err := p.queue.MarkSuccess(ctx, ev.ID, result.StatusCode, excerpt); err != nil {
			log.Printf("ERROR: record delivery of event %s: %v", ev.ID, err)
		}
		return
	}

	var statusCode *int
	if result.StatusCode != 0 {
		statusCode = &result.StatusCode
	}
	p.recordFailure(ctx, ev, wh, statusCode, truncate(result.ResponseBody, p.cfg.ResponseExcerptSize), result.FailureMessage())
}

func (p *WorkerPool) recordFailure(ctx context.Context, ev *ClaimedEvent, wh *metadata.Webhook, statusCode *int, excerpt, errMsg string) {
	attempts := ev.Attempts + 1
	status, nextRetryAt := NextRetry(attempts, wh.Retry, p.backoffCap, time.Now())

	terminal := status == StatusFailed
	if err := p.queue.MarkFailure(ctx, ev.ID, terminal, nextRetryAt, statusCode, excerpt, errMsg); err != nil {
		log.Printf("ERROR: record failure of event %s: %v", ev.ID, err)
		return
	}
	if terminal {
		log.Printf("Webhook delivery exhausted: event=%s webhook=%s attempt=%d/%d: %s",
			ev.ID, wh.ID, attempts, wh.Retry.MaxRetries, errMsg)
	} else {
		log.Printf("Webhook delivery failed, retry scheduled: event=%s webhook=%s attempt=%d next=%s",
			ev.ID, wh.ID, attempts, nextRetryAt.Format(time.RFC3339))
	}
}

func truncate(s string, n int) string {
	if n <= 0 {
		n = 1024
	}
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary so the stored excerpt stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
