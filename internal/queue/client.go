package queue

import (
	"context"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// Options tune how removal tasks are scheduled. Zero values fall back to the
// defaults below.
type Options struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
	// Retention keeps completed tasks inspectable in Redis.
	Retention time.Duration
}

const (
	defaultQueue     = "default"
	defaultMaxRetry  = 5
	defaultTimeout   = 3 * time.Minute
	defaultRetention = 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Queue) == "" {
		o.Queue = defaultQueue
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = defaultMaxRetry
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	return o
}

type Client struct {
	client *asynq.Client
	opts   Options
}

func NewClient(redisOpt asynq.RedisClientOpt, opts Options) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		opts:   opts.withDefaults(),
	}
}

// EnqueueRemoveBackground schedules the job once, carrying the caller's trace
// context along. The job id doubles as the asynq task id, so a second start
// for the same job is rejected with asynq.ErrTaskIDConflict.
func (c *Client) EnqueueRemoveBackground(ctx context.Context, payload RemoveBackgroundPayload) (*asynq.TaskInfo, error) {
	payload.InjectTrace(ctx)
	task, err := NewRemoveBackgroundTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.opts.Queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.Timeout(c.opts.Timeout),
		asynq.Retention(c.opts.Retention),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
