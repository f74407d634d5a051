package queue

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestRemoveBackgroundTaskRoundTrip(t *testing.T) {
	payload := RemoveBackgroundPayload{
		JobID:        "job-123",
		UserID:       "user-1",
		SourceType:   "s3_presigned",
		ObjectKey:    "uploads/job-123/source",
		WebhookURL:   "https://example.com/hook",
		RequestedAt:  time.Now().UTC().Truncate(time.Second),
		TraceContext: map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
	}

	task, err := NewRemoveBackgroundTask(payload)
	if err != nil {
		t.Fatalf("NewRemoveBackgroundTask returned error: %v", err)
	}
	if task.Type() != TypeRemoveBackground {
		t.Fatalf("expected type %q, got %q", TypeRemoveBackground, task.Type())
	}

	parsed, err := ParseRemoveBackgroundPayload(task)
	if err != nil {
		t.Fatalf("ParseRemoveBackgroundPayload returned error: %v", err)
	}
	if !reflect.DeepEqual(parsed, payload) {
		t.Fatalf("expected %+v, got %+v", payload, parsed)
	}
}

func TestParseRemoveBackgroundPayloadRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":       []byte("{"),
		"missing job id": []byte(`{"object_key":"a"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRemoveBackgroundPayload(asynq.NewTask(TypeRemoveBackground, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTraceContextSurvivesTheQueue(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	spanID, _ := trace.SpanIDFromHex("b7ad6b7169203331")
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	payload := RemoveBackgroundPayload{JobID: "job-7"}
	payload.InjectTrace(parent)
	if payload.TraceContext["traceparent"] == "" {
		t.Fatalf("expected traceparent, got %v", payload.TraceContext)
	}

	got := trace.SpanContextFromContext(payload.ExtractTrace(context.Background()))
	if got.TraceID() != traceID || got.SpanID() != spanID || !got.IsRemote() {
		t.Fatalf("unexpected extracted span context: %+v", got)
	}

	var untraced RemoveBackgroundPayload
	untraced.InjectTrace(context.Background())
	if untraced.TraceContext != nil {
		t.Fatalf("expected no trace context, got %v", untraced.TraceContext)
	}
}

func TestEnqueueRemoveBackgroundIsIdempotentPerJob(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()}, Options{MaxRetry: 2})
	defer client.Close()

	payload := RemoveBackgroundPayload{JobID: "job-1", SourceType: "local_file", ObjectKey: "in.png"}
	info, err := client.EnqueueRemoveBackground(context.Background(), payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if info.ID != "job-1" || info.Queue != defaultQueue || info.MaxRetry != 2 || info.Timeout != defaultTimeout {
		t.Fatalf("unexpected task info: %+v", info)
	}
	if info.Retention != defaultRetention {
		t.Fatalf("expected retention %s, got %s", defaultRetention, info.Retention)
	}

	_, err = client.EnqueueRemoveBackground(context.Background(), payload)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		t.Fatalf("expected task id conflict, got %v", err)
	}
}
