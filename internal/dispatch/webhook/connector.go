// Package webhook publishes posts as JSON POST requests to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"postflow/internal/dispatch"
	"postflow/internal/posts"
)

const maxErrBody = 512

type Config struct {
	URL     string
	Headers map[string]string
	// BearerToken is sent as Authorization: Bearer <token> when set.
	BearerToken string
}

// Payload is the request body sent for each post.
type Payload struct {
	PostID       string    `json:"post_id"`
	PlatformID   string    `json:"platform_id"`
	PlatformType string    `json:"platform_type,omitempty"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	Content      string    `json:"content"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Response is the optional JSON body an endpoint may answer with.
type Response struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Message    string            `json:"message"`
	Engagement *posts.Engagement `json:"engagement"`
}

type Connector struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config, client *http.Client) (*Connector, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is empty")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Connector{cfg: cfg, client: client}, nil
}

// Publish treats any 2xx as success. Non-2xx answers become errors carrying
// the status and a bounded slice of the body.
func (c *Connector) Publish(ctx context.Context, target dispatch.Target, content string, opts dispatch.Options) (dispatch.Result, error) {
	body, err := json.Marshal(Payload{
		PostID:       target.PostID,
		PlatformID:   target.PlatformID,
		PlatformType: target.PlatformType,
		WorkflowID:   opts.WorkflowID,
		Content:      content,
		ScheduledFor: opts.ScheduledFor,
	})
	if err != nil {
		return dispatch.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return dispatch.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return dispatch.Result{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > maxErrBody {
			snippet = snippet[:maxErrBody]
		}
		return dispatch.Result{}, fmt.Errorf("http %d: %s", resp.StatusCode, snippet)
	}

	res := dispatch.Result{Success: true, Message: resp.Status}
	var r Response
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &r) == nil {
		res.RemoteID = r.ID
		res.URL = r.URL
		res.Engagement = r.Engagement
		if r.Message != "" {
			res.Message = r.Message
		}
	}
	return res, nil
}
