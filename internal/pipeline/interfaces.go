package pipeline

import (
	"context"
	"io"
	"time"
)

// PageFetcher retrieves one URL. Non-2xx responses, timeouts and transport
// failures are reported as *FetchError.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResponse, error)
}

// BlobStore reads and writes opaque objects addressed by slash-separated paths.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// JobStore persists training job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for training jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
