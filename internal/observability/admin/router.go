// Package admin serves the operator HTTP API: post scheduling and lookup,
// feedback ingestion, manual sweeps, health, metrics and optional pprof.
package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postflow/internal/optimize"
	"postflow/internal/posts"
	"postflow/internal/quota"
	"postflow/internal/services/posting"
	logx "postflow/pkg/logx"
)

// Posts is the slice of the posting service the API drives.
type Posts interface {
	SchedulePost(ctx context.Context, req posting.ScheduleRequest) (*posts.Post, error)
	GetPost(ctx context.Context, id string) (*posts.Post, error)
	ListPosts(ctx context.Context, f posts.Filter) ([]*posts.Post, error)
	OptimalPostTime(ctx context.Context, platformIDs []string) (time.Time, error)
	RecordFeedback(ctx context.Context, req posting.FeedbackRequest) (optimize.Result, error)
	ProcessPendingManually(ctx context.Context) (int, error)
}

// Quota admits schedule requests per tier. Optional.
type Quota interface {
	CheckDailyQuota(ctx context.Context, userID, tier string, loc *time.Location) (quota.Decision, error)
	Admit(ctx context.Context, userID, tier string, loc *time.Location) error
}

type Deps struct {
	Posts Posts
	Quota Quota
	// Health returns the body of /healthz.
	Health func() any
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter builds the handler tree. token guards everything but /healthz
// when non-empty.
func NewRouter(d Deps, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{d: d, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.health)
	r.Group(func(r chi.Router) {
		r.Use(bearer(token))
		if d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", d.Metrics)
		}
		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/posts", h.schedulePost)
			r.Get("/posts", h.listPosts)
			r.Get("/posts/{id}", h.getPost)
			r.Get("/optimal-time", h.optimalTime)
			r.Post("/feedback", h.feedback)
			r.Post("/admin/process", h.process)
			r.Get("/quota", h.quota)
		})
	})
	return r
}

func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
