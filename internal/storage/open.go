package storage

import (
	"errors"
	"fmt"
	"strings"

	"postflow/internal/posts"
	logx "postflow/pkg/logx"
)

// Stores bundles the opened backends. Close releases all of them.
type Stores struct {
	Posts        posts.Store
	Optimization posts.OptimizationStore

	closers []func() error
}

func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open initializes the configured backends.
func Open(cfg Config, log logx.Logger) (*Stores, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	out := &Stores{}

	switch driver {
	case "", "memory":
		m := NewMemory()
		out.Posts, out.Optimization = m, m
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		out.Posts, out.Optimization = st, st
		out.closers = append(out.closers, st.Close)
	case "postgres", "postgresql":
		st, err := openPostgres(cfg, log)
		if err != nil {
			return nil, err
		}
		out.Posts, out.Optimization = st, st
		out.closers = append(out.closers, st.Close)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Optimization)) {
	case "", "same":
	case "redis":
		rs, err := openRedis(cfg.Redis, log)
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("optimization store: %w", err)
		}
		out.Optimization = rs
		out.closers = append(out.closers, rs.Close)
	default:
		_ = out.Close()
		return nil, errors.New("unknown optimization store: " + cfg.Optimization)
	}

	log.Info("storage opened", logx.String("driver", driver), logx.String("optimization", cfg.Optimization))
	return out, nil
}
