package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaReader is the subset of *kafka.Reader the consumer loop needs.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RunKafkaConsumer drains platform-message envelopes from reader, running
// each through HandleCommandMessage against handler's per-turn pipeline. It
// loops until ctx is canceled. A transient handler error is logged and the
// offset is not committed, so the broker redelivers the message.
func RunKafkaConsumer(ctx context.Context, reader KafkaReader, handler TurnHandler, dedupe DedupeStore, producer Producer, replyTopic string, dedupeTTL time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Msg("kafka consumer: fetch failed")
			continue
		}

		if err := HandleCommandMessage(ctx, handler, dedupe, producer, msg, replyTopic, dedupeTTL, 60*time.Second); err != nil {
			log.Warn().Err(err).Msg("kafka consumer: transient handler error, not committing")
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Warn().Err(err).Msg("kafka consumer: commit failed")
		}
	}
}
