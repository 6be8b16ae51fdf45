package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects and tunes the backends.
//
// Driver values: "memory", "sqlite", "postgres".
// Optimization values: "" (same backend as posts) or "redis".
type Config struct {
	Driver       string
	Path         string        // sqlite
	DSN          string        // postgres
	BusyTimeout  time.Duration // sqlite only; 0 keeps the driver default
	MaxOpenConns int           // postgres; 0 means 10

	Optimization string
	Redis        RedisConfig
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}
