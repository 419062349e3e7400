// Package jobs provides the delayed-job runtime boundary: the engine
// submits a job keyed by a step run ID with an absolute fire time, and the
// runtime delivers it at-least-once, at or after that time, never before.
package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Handler processes one delivered job. A non-nil error asks the runtime to
// redeliver according to its retry policy.
type Handler func(ctx context.Context, jobKey string, payload json.RawMessage) error

// Runtime schedules delayed jobs. Delivery may be arbitrarily late but
// never early; duplicate delivery is possible and consumers must tolerate
// it.
type Runtime interface {
	Submit(ctx context.Context, jobKey string, payload json.RawMessage, fireAt time.Time) error
}
