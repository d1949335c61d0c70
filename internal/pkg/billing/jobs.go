package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/jobqueue"
)

// EventJobs connects webhook ingestion to the Redis job queue.
type EventJobs struct {
	queue     *jobqueue.Queue
	processor *Processor
}

// NewEventJobs registers the webhook event handler on queue.
func NewEventJobs(queue *jobqueue.Queue, processor *Processor) *EventJobs {
	j := &EventJobs{queue: queue, processor: processor}
	queue.Handle(jobqueue.JobTypeWebhookEvent, j.HandleJob)
	return j
}

func (j *EventJobs) EnqueueEvent(ctx context.Context, env *Envelope, body []byte, source string) error {
	payload := jobqueue.WebhookEventJobPayload{
		EventID:   env.ID,
		EventType: env.Type,
		Source:    source,
		Body:      string(body),
	}
	job, err := j.queue.EnqueueJob(ctx, jobqueue.JobTypeWebhookEvent, payload.ToMap())
	if err != nil {
		return err
	}
	log.Debugf("[Webhook] Event %s queued as job %s", env.ID, job.ID)
	return nil
}

// HandleJob processes one queued event. Returned errors make the queue retry.
func (j *EventJobs) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.WebhookEventJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("decode webhook job payload: %w", err)
	}
	env, err := DecodeEnvelope([]byte(payload.Body))
	if err != nil {
		log.Errorf("[Billing] Dropping job %s: %v", job.ID, err)
		return nil
	}
	if env.ID == "" {
		env.ID = payload.EventID
	}
	return j.processor.Process(ctx, env, payload.Source)
}
