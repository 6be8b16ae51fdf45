// Package posts holds the post and time-optimization domain model, the
// lifecycle state machine, the storage contracts and the error taxonomy
// shared by the scheduler, dispatcher and estimator.
package posts
