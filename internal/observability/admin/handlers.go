package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"postflow/internal/posts"
	"postflow/internal/quota"
	"postflow/internal/services/posting"
	logx "postflow/pkg/logx"
)

// DefaultTier applies to schedule and quota requests that name none.
const DefaultTier = "free"

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

type handler struct {
	d   Deps
	log logx.Logger
}

type scheduleBody struct {
	WorkflowID   string     `json:"workflow_id"`
	UserID       string     `json:"user_id"`
	Tier         string     `json:"tier"`
	Content      string     `json:"content"`
	Platforms    []string   `json:"platforms"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

type feedbackBody struct {
	PostID     string `json:"post_id"`
	PlatformID string `json:"platform_id"`
	Likes      int64  `json:"likes"`
	Comments   int64  `json:"comments"`
	Shares     int64  `json:"shares"`
	Clicks     int64  `json:"clicks"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	body := any(map[string]string{"status": "ok"})
	if h.d.Health != nil {
		body = h.d.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) schedulePost(w http.ResponseWriter, r *http.Request) {
	var req scheduleBody
	if !decode(w, r, &req) {
		return
	}
	if h.d.Quota != nil {
		if err := h.d.Quota.Admit(r.Context(), req.UserID, tierOr(req.Tier), nil); err != nil {
			h.fail(w, err)
			return
		}
	}
	p, err := h.d.Posts.SchedulePost(r.Context(), posting.ScheduleRequest{
		WorkflowID:   req.WorkflowID,
		UserID:       req.UserID,
		Content:      req.Content,
		PlatformIDs:  req.Platforms,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) getPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.d.Posts.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) listPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := posts.Filter{WorkflowID: strings.TrimSpace(q.Get("workflow_id")), Limit: defaultListLimit}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, err := posts.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	list, err := h.d.Posts.ListPosts(r.Context(), f)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": list, "count": len(list)})
}

func (h *handler) optimalTime(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, part := range strings.Split(r.URL.Query().Get("platforms"), ",") {
		ids = append(ids, strings.TrimSpace(part))
	}
	at, err := h.d.Posts.OptimalPostTime(r.Context(), ids)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"scheduled_for": at})
}

func (h *handler) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackBody
	if !decode(w, r, &req) {
		return
	}
	res, err := h.d.Posts.RecordFeedback(r.Context(), posting.FeedbackRequest{
		PostID:     req.PostID,
		PlatformID: req.PlatformID,
		Engagement: posts.Engagement{Likes: req.Likes, Comments: req.Comments, Shares: req.Shares, Clicks: req.Clicks},
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": res.Applied, "score": res.Score})
}

func (h *handler) process(w http.ResponseWriter, r *http.Request) {
	n, err := h.d.Posts.ProcessPendingManually(r.Context())
	if err != nil {
		h.log.Warn("manual sweep finished with errors", logx.Int("processed", n), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"processed": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (h *handler) quota(w http.ResponseWriter, r *http.Request) {
	if h.d.Quota == nil {
		writeError(w, http.StatusNotFound, "quota is not configured")
		return
	}
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	d, err := h.d.Quota.CheckDailyQuota(r.Context(), userID, tierOr(q.Get("tier")), nil)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// fail maps domain errors onto status codes.
func (h *handler) fail(w http.ResponseWriter, err error) {
	var (
		adm *posts.AdmissionError
		fb  *posts.OptimizationFeedbackError
	)
	switch {
	case errors.Is(err, posts.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &adm), errors.Is(err, quota.ErrUnknownTier), errors.As(err, &fb):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, posts.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error("admin request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func tierOr(t string) string {
	if t = strings.TrimSpace(t); t != "" {
		return t
	}
	return DefaultTier
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
