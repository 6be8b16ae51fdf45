package posts

import (
	"slices"
	"strings"
	"time"
)

// Post is one unit of content targeted at one or more platforms with a single
// scheduled time.
//
// PlatformTargets is fixed at creation. The scheduler is the only writer of
// Status, PostedAt, ClaimedAt and Outcomes.
type Post struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	UserID     string `json:"user_id,omitempty"`
	Content    string `json:"content"`

	PlatformTargets []string  `json:"platform_targets"`
	ScheduledFor    time.Time `json:"scheduled_for"`

	Status              Status     `json:"status"`
	PostedAt            *time.Time `json:"posted_at,omitempty"`
	ClaimedAt           *time.Time `json:"claimed_at,omitempty"`
	OptimizationApplied bool       `json:"optimization_applied"`
	FailureReason       string     `json:"failure_reason,omitempty"`

	Outcomes map[string]Outcome `json:"outcomes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared state.
func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	cp := *p
	cp.PlatformTargets = slices.Clone(p.PlatformTargets)
	if p.PostedAt != nil {
		t := *p.PostedAt
		cp.PostedAt = &t
	}
	if p.ClaimedAt != nil {
		t := *p.ClaimedAt
		cp.ClaimedAt = &t
	}
	if p.Outcomes != nil {
		cp.Outcomes = make(map[string]Outcome, len(p.Outcomes))
		for k, v := range p.Outcomes {
			if v.Engagement != nil {
				e := *v.Engagement
				v.Engagement = &e
			}
			cp.Outcomes[k] = v
		}
	}
	return &cp
}

// Outcome is the recorded result of publishing a post to one platform.
type Outcome struct {
	Success    bool          `json:"success"`
	Message    string        `json:"message,omitempty"`
	RemoteID   string        `json:"remote_id,omitempty"`
	URL        string        `json:"url,omitempty"`
	Engagement *Engagement   `json:"engagement,omitempty"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}

// Engagement is an interaction snapshot reported by a platform.
type Engagement struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Clicks   int64 `json:"clicks"`
}

func (e Engagement) Validate() error {
	if e.Likes < 0 || e.Comments < 0 || e.Shares < 0 || e.Clicks < 0 {
		return ErrNegativeEngagement
	}
	return nil
}

// TimeOptimization holds the learned publishing window for one platform.
type TimeOptimization struct {
	PlatformID       string    `json:"platform_id"`
	PlatformType     string    `json:"platform_type"`
	BestHours        []int     `json:"best_hours"`
	BestDays         []int     `json:"best_days"`
	AudienceTimezone string    `json:"audience_timezone,omitempty"`
	EngagementScore  int64     `json:"engagement_score"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MaxBestHours caps TimeOptimization.BestHours.
const MaxBestHours = 5

// HasData reports whether the record carries any usable window.
func (o TimeOptimization) HasData() bool {
	return len(o.BestHours) > 0 || len(o.BestDays) > 0
}

// AdmitHour inserts h into the sorted hour set. When the set exceeds capacity
// the numerically largest entry is evicted, which may be h itself.
func AdmitHour(hours []int, h int, capacity int) []int {
	out := insertSorted(hours, h)
	if capacity > 0 && len(out) > capacity {
		out = out[:capacity]
	}
	return out
}

// AdmitDay inserts d into the sorted day-of-week set.
func AdmitDay(days []int, d int) []int {
	return insertSorted(days, d)
}

func insertSorted(set []int, v int) []int {
	out := slices.Clone(set)
	if slices.Contains(out, v) {
		slices.Sort(out)
		return slices.Compact(out)
	}
	out = append(out, v)
	slices.Sort(out)
	return slices.Compact(out)
}

// NormalizePlatforms trims, drops blanks and deduplicates platform ids while
// keeping first-seen order.
func NormalizePlatforms(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Filter selects posts for listing.
type Filter struct {
	Status        Status
	WorkflowID    string
	ClaimedBefore time.Time
	Limit         int
}
