package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"postflow/internal/task/engine"
)

type Config struct {
	Timezone string // IANA name, e.g. "Europe/Berlin"
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     engine.TaskOptions
	entryID cron.EntryID
	spread  time.Duration
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
