package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/events"
)

// PublisherSink forwards each event to an external topic. Failures for one
// event do not stop the rest of the batch.
type PublisherSink struct {
	publisher archive.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(publisher archive.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}, nil
}

// Consume publishes every event in order and joins the failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msgID, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Kind, evt.ItemID, err))
			continue
		}
		s.logger.Debug("published lifecycle event",
			zap.String("message_id", msgID),
			zap.String("kind", string(evt.Kind)),
			zap.String("item_id", evt.ItemID),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
