package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const TypeRemoveBackground = "image:remove_background"

var errMissingJobID = errors.New("job_id is required")

// RemoveBackgroundPayload names a stored source image and where the outcome
// should be reported. TraceContext carries the W3C headers of the request
// that started the job.
type RemoveBackgroundPayload struct {
	JobID        string            `json:"job_id"`
	UserID       string            `json:"user_id,omitempty"`
	SourceType   string            `json:"source_type"`
	WebhookURL   string            `json:"webhook_url,omitempty"`
	ObjectKey    string            `json:"object_key"`
	RequestedAt  time.Time         `json:"requested_at"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// InjectTrace records the span context of ctx in the payload.
func (p *RemoveBackgroundPayload) InjectTrace(ctx context.Context) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		p.TraceContext = nil
		return
	}
	p.TraceContext = carrier
}

// ExtractTrace returns ctx with the remote span context of the enqueuing
// request, if the payload carried one.
func (p RemoveBackgroundPayload) ExtractTrace(ctx context.Context) context.Context {
	if len(p.TraceContext) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(p.TraceContext))
}

func NewRemoveBackgroundTask(payload RemoveBackgroundPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" {
		return nil, errMissingJobID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal remove background payload: %w", err)
	}
	return asynq.NewTask(TypeRemoveBackground, body), nil
}

func ParseRemoveBackgroundPayload(task *asynq.Task) (RemoveBackgroundPayload, error) {
	var payload RemoveBackgroundPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RemoveBackgroundPayload{}, fmt.Errorf("unmarshal remove background payload: %w", err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return RemoveBackgroundPayload{}, fmt.Errorf("remove background payload: %w", errMissingJobID)
	}
	return payload, nil
}
