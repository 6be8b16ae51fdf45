// Package scheduler turns cron and interval specs into triggers. It never
// runs work itself: each trigger enqueues a task into the engine.
package scheduler
