package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"userId":"u1","body":"hi"}`)
	msg := kafka.Message{
		Topic:     "presence_inbound",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Key:       []byte("u1"),
		Value:     payload,
		Headers:   []kafka.Header{{Key: "event_type", Value: []byte("message")}},
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "message", handler.last.EventType)
	require.Equal(t, 0, handler.last.SchemaID)
	require.Equal(t, []byte("u1"), handler.last.Key)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorStripsSchemaRegistryFraming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"userId":"u2","body":"framed"}`)
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], uint32(42))
	copy(value[5:], payload)

	reader := &stubReader{messages: []kafka.Message{{Topic: "presence_inbound", Value: value}}, after: contextCanceled}
	handler := &stubHandler{}

	err := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0))).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorCommitsUndecodableMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{
			{Topic: "presence_inbound", Offset: 1, Value: nil},
			{Topic: "presence_inbound", Offset: 2, Value: []byte{0, 1}},
		},
		after: contextCanceled,
	}
	handler := &stubHandler{}
	before := testutil.ToFloat64(decodeErrorCounter.WithLabelValues("presence_inbound"))

	err := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0))).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 0, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
	require.Equal(t, before+2, testutil.ToFloat64(decodeErrorCounter.WithLabelValues("presence_inbound")))
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{{Topic: "presence_inbound", Offset: 20, Value: []byte(`{}`)}},
		after:    contextCanceled,
	}
	handler := &stubHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorRetriesHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{{Topic: "presence_inbound", Value: []byte(`{}`)}},
		after:    contextCanceled,
	}
	handler := &stubHandler{err: errors.New("flaky"), failures: 2}

	processor := NewProcessor(reader, handler,
		WithLogger(log.New(testWriter{t}, "", 0)),
		WithRetry(3, time.Millisecond),
	)

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 3, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

// stubHandler fails the first failures calls with err, or every call when failures is zero.
type stubHandler struct {
	calls    int
	err      error
	failures int
	last     Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	if h.err == nil {
		return nil
	}
	if h.failures == 0 || h.calls <= h.failures {
		return h.err
	}
	return nil
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}

func TestProcessorStopsWhenHandlerSeesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{messages: []kafka.Message{
		{Topic: "presence_inbound", Value: []byte(`{"userId":"u1","body":"a"}`)},
		{Topic: "presence_inbound", Value: []byte(`{"userId":"u2","body":"b"}`)},
	}}
	var seen []string
	handler := HandlerFunc(func(ctx context.Context, msg Message) error {
		seen = append(seen, string(msg.Payload))
		cancel()
		return ctx.Err()
	})

	err := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0))).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, seen, 1)
	require.Zero(t, reader.commitCalls)
}
