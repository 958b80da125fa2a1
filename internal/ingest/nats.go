package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"notifier/internal/config"
	"notifier/internal/domain"
	"notifier/internal/fault"
	"notifier/internal/jetstream"
	"notifier/internal/metrics"
)

const ingestStreamMaxAge = 24 * time.Hour

// EventProcessor handles one event synchronously.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event domain.Event) error
}

// NATSSubscriber consumes events via JetStream queue consumer and processes them in place.
// Params: JetStream queue subscriptions and event processor.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	subs   []*nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates JetStream queue consumers for event ingestion.
// Params: JetStream context owned by caller, ingest NATS config, processor, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(js nats.JetStreamContext, cfg config.NATSIngestConfig, processor EventProcessor, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := jetstream.EnsureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, ingestStreamMaxAge); err != nil {
		return nil, err
	}

	subscriber := &NATSSubscriber{logger: logger}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
			subscriber.handle(message, processor, nackDelay)
		}, subOpts...)
		if err != nil {
			_ = subscriber.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
		}
		subscriber.subs = append(subscriber.subs, sub)
	}
	return subscriber, nil
}

// handle decodes and processes one message; only collaborator failures are redelivered.
// Params: JetStream message, processor and nack delay.
// Returns: none.
func (s *NATSSubscriber) handle(message *nats.Msg, processor EventProcessor, nackDelay time.Duration) {
	event, err := domain.DecodeEvent(message.Data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(metrics.EventRejected).Inc()
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}
	metrics.EventsTotal.WithLabelValues(metrics.EventAccepted).Inc()
	if err := processor.ProcessEvent(context.Background(), event); err != nil {
		if isRetryable(err) {
			s.logger.Error("nats ingest process failed", "subject", message.Subject, "event_type", event.Type, "error", err.Error())
			s.nackMessage(message, nackDelay)
			return
		}
		s.logger.Warn("nats ingest event discarded", "subject", message.Subject, "event_type", event.Type, "error", err.Error())
		s.ackMessage(message, "discarded")
		return
	}
	s.ackMessage(message, "processed")
}

func isRetryable(err error) bool {
	if fault.IsPermanent(err) || fault.IsConfiguration(err) {
		return false
	}
	return fault.IsCollaborator(err) || errors.Is(err, context.DeadlineExceeded)
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains every subscription; the connection stays with its owner.
// Params: none.
// Returns: joined drain errors.
func (s *NATSSubscriber) Close() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
