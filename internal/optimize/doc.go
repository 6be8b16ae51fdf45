// Package optimize estimates publishing times from learned per-platform
// windows and updates those windows from engagement feedback.
package optimize
