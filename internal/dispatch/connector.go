// Package dispatch fans a claimed post out to its destination platforms.
//
// Every platform call is isolated: a rate limiter, a circuit breaker, an
// explicit deadline and panic recovery sit between the dispatcher and the
// connector, and one platform's failure never touches its siblings.
package dispatch

import (
	"context"
	"time"

	"postflow/internal/posts"
)

// Target identifies the destination of one publish call.
type Target struct {
	PostID       string
	PlatformID   string
	PlatformType string
}

type Options struct {
	WorkflowID   string
	ScheduledFor time.Time
}

// Result is what a connector reports back. Success=false with a nil error is
// treated as a failure carrying Message.
type Result struct {
	Success    bool
	Message    string
	RemoteID   string
	URL        string
	Engagement *posts.Engagement
}

// Connector publishes content to one external platform. Implementations
// should honour ctx, but the dispatcher enforces its deadline either way.
type Connector interface {
	Publish(ctx context.Context, target Target, content string, opts Options) (Result, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, target Target, content string, opts Options) (Result, error)

func (f ConnectorFunc) Publish(ctx context.Context, target Target, content string, opts Options) (Result, error) {
	return f(ctx, target, content, opts)
}
