package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobserver/internal/platform"
)

// Sink delivers a notification somewhere. Errors are retried by the Notifier.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Publisher is the broker side of an AMQPSink. *rabbitmq.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// RoutingKey returns the routing key notifications for state are published with.
func RoutingKey(msg Message) string {
	return "job." + msg.State.String()
}

// AMQPSink publishes notifications to the job exchange.
type AMQPSink struct {
	pub   Publisher
	codec Codec
}

func NewAMQPSink(pub Publisher, codec Codec) *AMQPSink {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &AMQPSink{pub: pub, codec: codec}
}

func (s *AMQPSink) Send(ctx context.Context, msg Message) error {
	body, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return s.pub.Publish(ctx, RoutingKey(msg), body, s.codec.ContentType())
}

func (s *AMQPSink) Name() string { return "amqp" }

// PlatformSink posts the summary to the owner's channel on the chat platform.
type PlatformSink struct {
	client  platform.Client
	channel func(Message) string
}

// NewPlatformSink creates a sink that posts to channel(msg). A nil channel
// func posts to the owner's textual form.
func NewPlatformSink(client platform.Client, channel func(Message) string) *PlatformSink {
	if channel == nil {
		channel = func(m Message) string { return m.Owner }
	}
	return &PlatformSink{client: client, channel: channel}
}

func (s *PlatformSink) Send(ctx context.Context, msg Message) error {
	return s.client.SendMessage(ctx, s.channel(msg), msg.Summary)
}

func (s *PlatformSink) Name() string { return "platform" }

// LogSink writes notifications to the log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, msg Message) error {
	s.logger.Info("Job finished",
		slog.String("job_id", msg.JobID.String()),
		slog.String("kind", msg.Kind),
		slog.String("owner", msg.Owner),
		slog.String("state", msg.State.String()),
		slog.String("error_code", msg.ErrorCode),
	)
	return nil
}

func (s *LogSink) Name() string { return "log" }
