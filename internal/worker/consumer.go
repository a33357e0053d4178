package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobserver/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliverySource is the consuming side of the broker client
type DeliverySource interface {
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// ConsumeNudges wakes the claim loop and kicks heartbeats on nudges from the
// API until ctx is done or the delivery channel closes. Nudges carry no
// authority: the store is re-read before anything happens to a job.
func (w *Worker) ConsumeNudges(ctx context.Context, source DeliverySource, queue string) error {
	deliveries, err := source.Consume(queue, w.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to start consuming nudges: %w", err)
	}

	w.logger.Info("Nudge consumer started", slog.String("queue", queue))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Nudge consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}
			w.handleDelivery(delivery)
		}
	}
}

func (w *Worker) handleDelivery(delivery amqp.Delivery) {
	var nudge domain.Nudge
	if err := json.Unmarshal(delivery.Body, &nudge); err != nil {
		w.logger.Error("Failed to parse nudge",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages are dead-lettered, never requeued
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed nudge", slog.Any("error", nackErr))
		}
		return
	}

	switch nudge.Event {
	case domain.NudgeCreated:
		w.Wake()
	case domain.NudgeCancel:
		if !w.Kick(nudge.JobID) {
			// pending jobs are cancelled by the API directly; a job claimed
			// but not yet running sees the flag at dispatch
			w.logger.Debug("Cancel nudge for job not running here", slog.String("job_id", nudge.JobID.String()))
		}
	default:
		w.logger.Warn("Unknown nudge event", slog.String("event", nudge.Event))
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK nudge",
			slog.String("job_id", nudge.JobID.String()),
			slog.Any("error", err),
		)
	}
}
