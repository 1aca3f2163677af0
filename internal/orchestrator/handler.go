package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// TurnHandler runs one inbound platform message through the per-turn
// pipeline. *Orchestrator satisfies this directly via HandleTurn, so the
// async Kafka path and the synchronous webhook path share the same pipeline.
type TurnHandler interface {
	HandleTurn(ctx context.Context, in TurnInput) TurnResult
}

// Producer abstracts the kafka writer behavior needed by the handler.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageEnvelope is the wire shape of one inbound Discord/iMessage message
// arriving over Kafka instead of the synchronous webhook (spec §4.5's
// platform-message ingestion, run asynchronously).
type MessageEnvelope struct {
	CorrelationID string  `json:"correlation_id"`
	Platform      string  `json:"platform,omitempty"` // "discord" | "imessage"
	ExternalID    string  `json:"external_id,omitempty"`
	Content       string  `json:"content,omitempty"`
	PlatformMsgID *string `json:"platform_msg_id,omitempty"`
	ReplyTopic    string  `json:"reply_topic,omitempty"`
}

// ResponseEnvelope is the output message structure (for both success and DLQ).
type ResponseEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Response      string `json:"response,omitempty"`
	Error         string `json:"error,omitempty"`
}

// HandleCommandMessage processes a single Kafka message carrying one inbound
// platform message. It publishes either a success reply or a DLQ message.
// Transient errors are returned so the caller may retry without committing
// the offset; permanent errors are handled internally (DLQ'd) and nil is
// returned so the offset commits.
func HandleCommandMessage(
	ctx context.Context,
	handler TurnHandler,
	dedupe DedupeStore,
	producer Producer,
	msg kafka.Message,
	defaultReplyTopic string,
	dedupeTTL time.Duration,
	turnTimeout time.Duration,
) error {
	// Best-effort correlation id for logs, even if the payload is malformed.
	corrIDForLog := string(msg.Key)

	var cmd MessageEnvelope
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		publishDLQ(ctx, producer, defaultReplyTopic, corrIDForLog, fmt.Sprintf("malformed message JSON: %v", err))
		return nil
	}

	corrID := cmd.CorrelationID
	if corrID == "" {
		publishDLQ(ctx, producer, pickReplyTopic(cmd.ReplyTopic, defaultReplyTopic), corrIDForLog, "missing correlation_id")
		return nil
	}
	corrIDForLog = corrID

	// Dedupe check by correlation id.
	if prev, err := dedupe.Get(ctx, corrID); err != nil {
		return fmt.Errorf("dedupe get failed: %w", err)
	} else if prev != "" {
		log.Debug().Str("corr_id", corrID).Msg("dedupe hit, skipping processing")
		return nil
	}

	platform := strings.TrimSpace(cmd.Platform)
	externalID := strings.TrimSpace(cmd.ExternalID)
	replyTopic := pickReplyTopic(cmd.ReplyTopic, defaultReplyTopic)
	if platform == "" || externalID == "" {
		publishDLQ(ctx, producer, replyTopic, corrID, "missing platform or external_id")
		return nil
	}

	// Run the turn with a timeout only if configured (>0); a zero or negative
	// duration disables it for operators who'd rather rely on per-dispatch
	// timeouts inside the pipeline.
	runCtx := ctx
	cancel := func() {}
	if turnTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, turnTimeout)
	}
	defer cancel()

	result := handler.HandleTurn(runCtx, TurnInput{
		Platform:            platform,
		ExternalID:          externalID,
		Content:             cmd.Content,
		PlatformMsgID:       cmd.PlatformMsgID,
		IsMessagingPlatform: true,
	})
	if result.Err != nil {
		if isTransientError(result.Err) || errors.Is(result.Err, context.DeadlineExceeded) || errors.Is(result.Err, context.Canceled) {
			return fmt.Errorf("transient turn error (corr_id=%s): %w", corrID, result.Err)
		}
		publishDLQ(ctx, producer, replyTopic, corrID, result.Err.Error())
		return nil
	}

	resp := ResponseEnvelope{CorrelationID: corrID, Status: "success", Response: result.Response}
	payload, err := json.Marshal(resp)
	if err != nil {
		// If we cannot marshal the response, treat as transient to retry.
		return fmt.Errorf("response marshal failed (corr_id=%s): %w", corrID, err)
	}
	if werr := producer.WriteMessages(ctx, kafka.Message{Topic: replyTopic, Key: []byte(corrID), Value: payload}); werr != nil {
		return fmt.Errorf("producer write failed (corr_id=%s): %w", corrID, werr)
	}

	if err := dedupe.Set(ctx, corrID, string(payload), dedupeTTL); err != nil {
		return fmt.Errorf("dedupe set failed (corr_id=%s): %w", corrID, err)
	}

	log.Info().Str("corr_id", corrID).Str("platform", platform).Msg("processed platform message")
	return nil
}

func publishDLQ(ctx context.Context, producer Producer, replyTopic, corrID, reason string) {
	env := ResponseEnvelope{CorrelationID: corrID, Status: "error", Error: reason}
	payload, _ := json.Marshal(env)
	dlqTopic := dlqTopicFor(replyTopic)
	if werr := producer.WriteMessages(ctx, kafka.Message{Topic: dlqTopic, Key: []byte(corrID), Value: payload}); werr != nil {
		log.Warn().Err(werr).Str("corr_id", corrID).Msg("failed to publish DLQ message")
		return
	}
	log.Warn().Str("corr_id", corrID).Str("topic", dlqTopic).Str("reason", reason).Msg("published DLQ message")
}

func pickReplyTopic(cmdTopic, defaultTopic string) string {
	if t := strings.TrimSpace(cmdTopic); t != "" {
		return t
	}
	return defaultTopic
}

// dlqTopicFor returns a DLQ topic name for a given reply topic. If the
// provided topic already ends with ".dlq", it is returned unchanged. This
// avoids creating topics like "responses.dlq.dlq" when callers provide a
// reply topic that already targets the DLQ.
func dlqTopicFor(replyTopic string) string {
	rt := strings.TrimSpace(replyTopic)
	if rt == "" {
		return ""
	}
	if strings.HasSuffix(rt, ".dlq") {
		return rt
	}
	return rt + ".dlq"
}

// isTransientError performs a simple heuristic on error text for transient cases.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "temporary") ||
		strings.Contains(s, "temporarily unavailable") ||
		strings.Contains(s, "transient") ||
		strings.Contains(s, "retry") ||
		strings.Contains(s, "too many requests")
}
