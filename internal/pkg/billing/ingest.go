package billing

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/ReceiptFox/app/models"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/safego"
)

// Outcome is what the webhook endpoint reports back for an accepted delivery.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFiltered  Outcome = "filtered"
)

const archiveTimeout = 15 * time.Second

// DedupStore remembers event ids. MarkFirstSeen reports true for an id it
// has not seen; on store errors callers proceed as if the id were new.
type DedupStore interface {
	MarkFirstSeen(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// EventFilter decides which event types are processed.
type EventFilter interface {
	Allows(eventType string) bool
}

// EventQueue hands an event to the background workers.
type EventQueue interface {
	EnqueueEvent(ctx context.Context, env *Envelope, body []byte, source string) error
}

// EventArchive keeps a copy of verified raw payloads.
type EventArchive interface {
	Store(ctx context.Context, eventID string, created time.Time, body []byte) error
}

// Spawner runs fire-and-forget work.
type Spawner interface {
	Go(name string, fn func())
}

// IngestResult describes an accepted delivery.
type IngestResult struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Outcome   Outcome `json:"status"`
}

// Ingestor is the synchronous part of webhook handling. It never waits for
// handlers unless the queue is unavailable.
type Ingestor struct {
	verifier  *Verifier
	processor *Processor
	dedup     DedupStore
	filter    EventFilter
	queue     EventQueue
	archive   EventArchive
	spawner   Spawner
	metrics   Metrics
}

type IngestorOption func(*Ingestor)

func WithDedup(store DedupStore) IngestorOption {
	return func(in *Ingestor) { in.dedup = store }
}

func WithFilter(f EventFilter) IngestorOption {
	return func(in *Ingestor) { in.filter = f }
}

func WithQueue(q EventQueue) IngestorOption {
	return func(in *Ingestor) { in.queue = q }
}

// WithArchive stores verified payloads in the background. A nil spawner
// keeps the default panic-safe one.
func WithArchive(a EventArchive, s Spawner) IngestorOption {
	return func(in *Ingestor) {
		in.archive = a
		if s != nil {
			in.spawner = s
		}
	}
}

func WithIngestMetrics(m Metrics) IngestorOption {
	return func(in *Ingestor) { in.metrics = metricsOrNoop(m) }
}

func NewIngestor(verifier *Verifier, processor *Processor, opts ...IngestorOption) *Ingestor {
	in := &Ingestor{
		verifier:  verifier,
		processor: processor,
		spawner:   safego.NewSpawner(),
		metrics:   NoopMetrics{},
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest verifies a signed delivery and admits it. Duplicates and filtered
// types come back with ErrDuplicateEvent and ErrFilteredEvent, which map to 200.
func (in *Ingestor) Ingest(ctx context.Context, body []byte, signature string) (IngestResult, error) {
	env, err := in.verifier.Verify(body, signature)
	if err != nil {
		in.metrics.RecordWebhookError(ErrorCode(err))
		return IngestResult{}, err
	}
	in.archiveAsync(env, body)

	res := IngestResult{EventID: env.ID, EventType: env.Type}

	if in.dedup != nil {
		first, err := in.dedup.MarkFirstSeen(ctx, env.ID)
		if err != nil {
			log.Warnf("[Webhook] Dedup store unavailable for %s, processing without replay protection: %v", env.ID, err)
			in.metrics.RecordDedupUnavailable()
			first = true
		}
		if !first {
			log.Infof("[Webhook] Duplicate event %s (%s)", env.ID, env.Type)
			res.Outcome = OutcomeDuplicate
			in.metrics.RecordWebhook(env.Type, string(res.Outcome))
			return res, ErrDuplicateEvent
		}
	}

	if in.filter != nil && !in.filter.Allows(env.Type) {
		log.Debugf("[Webhook] Event %s of type %s filtered", env.ID, env.Type)
		res.Outcome = OutcomeFiltered
		in.metrics.RecordWebhook(env.Type, string(res.Outcome))
		return res, ErrFilteredEvent
	}

	res.Outcome = in.dispatch(ctx, env, body, models.WEBHOOK_SOURCE_SIGNED, true)
	return res, nil
}

// IngestUnsigned admits a delivery from the legacy route. There is no
// signature, so replay protection and filtering do not apply; events without
// an id get a generated one.
func (in *Ingestor) IngestUnsigned(ctx context.Context, body []byte) (IngestResult, error) {
	env, err := DecodeEnvelope(body)
	if err != nil {
		in.metrics.RecordWebhookError(ErrorCode(err))
		return IngestResult{}, err
	}
	if env.ID == "" {
		env.ID = "legacy_" + uuid.NewString()
	}
	res := IngestResult{EventID: env.ID, EventType: env.Type}
	res.Outcome = in.dispatch(ctx, env, body, models.WEBHOOK_SOURCE_LEGACY, false)
	return res, nil
}

// dispatch enqueues the event, falling back to processing it inline. Errors
// from inline processing are logged, never returned.
func (in *Ingestor) dispatch(ctx context.Context, env *Envelope, body []byte, source string, deduped bool) Outcome {
	if in.queue != nil {
		err := in.queue.EnqueueEvent(ctx, env, body, source)
		if err == nil {
			in.metrics.RecordWebhook(env.Type, string(OutcomeQueued))
			return OutcomeQueued
		}
		log.Warnf("[Webhook] enqueue failed, processing inline: event=%s err=%v", env.ID, err)
		in.metrics.RecordWebhookError("enqueue")
	}

	if err := in.processor.Process(ctx, env, source); err != nil {
		log.Errorf("[Webhook] Inline processing of %s (%s) failed: %v", env.ID, env.Type, err)
		in.metrics.RecordWebhookError("inline")
		if deduped && in.dedup != nil {
			// The delivery was already answered 200, so the provider will not
			// redeliver. Releasing the key lets a manual replay through.
			if rerr := in.dedup.Release(ctx, env.ID); rerr != nil && !errors.Is(rerr, context.Canceled) {
				log.Warnf("[Webhook] Could not release dedup key for %s: %v", env.ID, rerr)
			}
		}
	}
	in.metrics.RecordWebhook(env.Type, string(OutcomeProcessed))
	return OutcomeProcessed
}

func (in *Ingestor) archiveAsync(env *Envelope, body []byte) {
	if in.archive == nil {
		return
	}
	payload := append([]byte(nil), body...)
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := in.archive.Store(ctx, env.ID, env.Created, payload); err != nil {
			log.Warnf("[Archive] Failed to store event %s: %v", env.ID, err)
		}
	}
	in.spawner.Go("archive "+env.ID, task)
}
