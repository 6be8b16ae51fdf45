package dispatch

import (
	"context"

	"github.com/google/uuid"

	logx "postflow/pkg/logx"
)

// LogConnector publishes nowhere: it logs the post and reports success.
// Used for local runs and dry-run platforms.
type LogConnector struct {
	log logx.Logger
}

func NewLogConnector(log logx.Logger) *LogConnector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogConnector{log: log.With(logx.String("comp", "dispatch.log"))}
}

func (c *LogConnector) Publish(ctx context.Context, target Target, content string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	id := uuid.NewString()
	c.log.Info("dry-run publish",
		logx.String("post", target.PostID),
		logx.String("platform", target.PlatformID),
		logx.String("workflow", opts.WorkflowID),
		logx.Int("chars", len([]rune(content))),
		logx.String("remote_id", id),
	)
	return Result{Success: true, RemoteID: id, Message: "logged"}, nil
}
