package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu   sync.Mutex
	sent []kafka.Message
}

func (p *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msgs...)
	return nil
}

func (p *fakeProducer) last() kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

type fakeDedupeStore struct {
	mu    sync.Mutex
	store map[string]string
}

func newFakeDedupeStore() *fakeDedupeStore {
	return &fakeDedupeStore{store: map[string]string{}}
}

func (d *fakeDedupeStore) Get(ctx context.Context, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store[key], nil
}

func (d *fakeDedupeStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store[key] = value
	return nil
}

func TestHandleCommandMessagePublishesReplyOnSuccess(t *testing.T) {
	o, cs, _ := newTestOrchestrator(t, &fakeDispatcher{reply: "hi from kafka"}, "admin-1")
	_, err := cs.EnsurePlaceholder(context.Background(), "discord", "user-9")
	require.NoError(t, err)

	producer := &fakeProducer{}
	dedupe := newFakeDedupeStore()
	body, _ := json.Marshal(MessageEnvelope{
		CorrelationID: "corr-1", Platform: "discord", ExternalID: "user-9", Content: "hello",
	})

	err = HandleCommandMessage(context.Background(), o, dedupe, producer, kafka.Message{Value: body}, "replies", time.Minute, time.Second)
	require.NoError(t, err)

	var resp ResponseEnvelope
	require.NoError(t, json.Unmarshal(producer.last().Value, &resp))
	require.Equal(t, "success", resp.Status)
	require.Equal(t, "hi from kafka", resp.Response)
	require.Equal(t, "replies", producer.last().Topic)
}

func TestHandleCommandMessageDedupeHitSkipsProcessing(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeDispatcher{reply: "should not run twice"}, "admin-1")

	producer := &fakeProducer{}
	dedupe := newFakeDedupeStore()
	require.NoError(t, dedupe.Set(context.Background(), "corr-2", "already-sent", time.Minute))

	body, _ := json.Marshal(MessageEnvelope{CorrelationID: "corr-2", Platform: "discord", ExternalID: "user-1", Content: "hi"})
	err := HandleCommandMessage(context.Background(), o, dedupe, producer, kafka.Message{Value: body}, "replies", time.Minute, time.Second)
	require.NoError(t, err)
	require.Empty(t, producer.sent)
}

func TestHandleCommandMessageMalformedJSONGoesToDLQ(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeDispatcher{reply: "unused"}, "admin-1")
	producer := &fakeProducer{}
	dedupe := newFakeDedupeStore()

	err := HandleCommandMessage(context.Background(), o, dedupe, producer, kafka.Message{Key: []byte("bad-1"), Value: []byte("not json")}, "replies", time.Minute, time.Second)
	require.NoError(t, err)
	require.Equal(t, "replies.dlq", producer.last().Topic)
}

func TestHandleCommandMessageMissingExternalIDGoesToDLQ(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeDispatcher{reply: "unused"}, "admin-1")
	producer := &fakeProducer{}
	dedupe := newFakeDedupeStore()

	body, _ := json.Marshal(MessageEnvelope{CorrelationID: "corr-3", Platform: "discord"})
	err := HandleCommandMessage(context.Background(), o, dedupe, producer, kafka.Message{Value: body}, "replies", time.Minute, time.Second)
	require.NoError(t, err)

	var resp ResponseEnvelope
	require.NoError(t, json.Unmarshal(producer.last().Value, &resp))
	require.Equal(t, "error", resp.Status)
}
