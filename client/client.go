// Package client is a Go client for the swarmmail HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
)

// Wire types shared with the server.
type (
	Agent           = core.Agent
	Message         = core.Message
	Importance      = core.Importance
	RecipientStatus = core.RecipientStatus
	ThreadSummary   = core.ThreadSummary
	Reservation     = core.Reservation
	ConflictDetail  = core.ConflictDetail
	Event           = core.Event
	Stats           = core.Stats
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	Project string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithProject(project string) Option {
	return func(c *Client) {
		c.Project = strings.TrimSpace(project)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int              `json:"-"`
	Message    string           `json:"error"`
	Field      string           `json:"field,omitempty"`
	Conflicts  []ConflictDetail `json:"conflicts,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("swarmmail: %d %s: %s", e.StatusCode, e.Field, e.Message)
	}
	return fmt.Sprintf("swarmmail: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is a 409, such as a reservation conflict.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

type RegisterAgentRequest struct {
	Name            string `json:"name,omitempty"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodPost, "/api/agents", nil, struct {
		Project string `json:"project,omitempty"`
		RegisterAgentRequest
	}{c.Project, req}, &out)
	return out, err
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, nil, &out)
	return out.Agents, err
}

func (c *Client) GetAgent(ctx context.Context, name string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(name), nil, nil, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, name string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(name)+"/heartbeat", nil, c.projectBody(), &out)
	return out, err
}

type SendMessageRequest struct {
	From        string     `json:"from"`
	To          []string   `json:"to"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Importance  Importance `json:"importance,omitempty"`
	AckRequired bool       `json:"ack_required,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (Message, error) {
	var out Message
	err := c.do(ctx, http.MethodPost, "/api/messages", nil, struct {
		Project string `json:"project,omitempty"`
		SendMessageRequest
	}{c.Project, req}, &out)
	return out, err
}

// InboxOptions mirrors the inbox query parameters. Zero values use the
// server defaults.
type InboxOptions struct {
	Limit         int
	UrgentOnly    bool
	UnreadOnly    bool
	IncludeBodies bool
	Since         time.Time
}

func (c *Client) Inbox(ctx context.Context, agent string, opts InboxOptions) ([]Message, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.UrgentOnly {
		q.Set("urgent_only", "true")
	}
	if opts.UnreadOnly {
		q.Set("unread_only", "true")
	}
	if opts.IncludeBodies {
		q.Set("include_bodies", "true")
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/api/inbox/"+url.PathEscape(agent), q, nil, &out)
	return out.Messages, err
}

func (c *Client) GetMessage(ctx context.Context, id string) (Message, error) {
	var out Message
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) Recipients(ctx context.Context, id string) (map[string]RecipientStatus, error) {
	var out struct {
		Recipients map[string]RecipientStatus `json:"recipients"`
	}
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id)+"/recipients", nil, nil, &out)
	return out.Recipients, err
}

func (c *Client) MarkRead(ctx context.Context, id, agent string) error {
	return c.messageAction(ctx, id, agent, "read")
}

func (c *Client) Ack(ctx context.Context, id, agent string) error {
	return c.messageAction(ctx, id, agent, "ack")
}

func (c *Client) messageAction(ctx context.Context, id, agent, action string) error {
	body := map[string]string{"agent": agent}
	if c.Project != "" {
		body["project"] = c.Project
	}
	return c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(id)+"/"+action, nil, body, nil)
}

func (c *Client) Threads(ctx context.Context, agent string) ([]ThreadSummary, error) {
	var out struct {
		Threads []ThreadSummary `json:"threads"`
	}
	err := c.do(ctx, http.MethodGet, "/api/threads", url.Values{"agent": {agent}}, nil, &out)
	return out.Threads, err
}

func (c *Client) Thread(ctx context.Context, threadID, agent string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(threadID), url.Values{"agent": {agent}}, nil, &out)
	return out.Messages, err
}

type ReserveRequest struct {
	Agent  string   `json:"agent"`
	Paths  []string `json:"paths"`
	Reason string   `json:"reason,omitempty"`
	// Exclusive defaults to true on the server when nil.
	Exclusive  *bool `json:"exclusive,omitempty"`
	TTLSeconds int   `json:"ttl_seconds,omitempty"`
}

// Reserve claims paths for an agent. A conflict comes back as an *APIError
// with status 409 and the conflicting holders in Conflicts.
func (c *Client) Reserve(ctx context.Context, req ReserveRequest) ([]Reservation, error) {
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	err := c.do(ctx, http.MethodPost, "/api/reservations", nil, struct {
		Project string `json:"project,omitempty"`
		ReserveRequest
	}{c.Project, req}, &out)
	return out.Reservations, err
}

func (c *Client) Reservations(ctx context.Context, agent string) ([]Reservation, error) {
	q := url.Values{}
	if agent != "" {
		q.Set("agent", agent)
	}
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/reservations", q, nil, &out)
	return out.Reservations, err
}

func (c *Client) CheckConflicts(ctx context.Context, agent string, paths []string, exclusive bool) ([]ConflictDetail, error) {
	var out struct {
		Conflicts []ConflictDetail `json:"conflicts"`
	}
	err := c.do(ctx, http.MethodPost, "/api/reservations/check", nil, map[string]any{
		"project":   c.Project,
		"agent":     agent,
		"paths":     paths,
		"exclusive": exclusive,
	}, &out)
	return out.Conflicts, err
}

type ReleaseResult struct {
	Released       int      `json:"released"`
	ReservationIDs []string `json:"reservation_ids"`
}

// Release frees the given paths or reservation IDs, or everything the agent
// holds when both are empty.
func (c *Client) Release(ctx context.Context, agent string, paths, reservationIDs []string) (ReleaseResult, error) {
	var out ReleaseResult
	err := c.do(ctx, http.MethodPost, "/api/reservations/release", nil, map[string]any{
		"project":         c.Project,
		"agent":           agent,
		"paths":           paths,
		"reservation_ids": reservationIDs,
	}, &out)
	return out, err
}

type EventQuery struct {
	Types []string
	After int64
	Limit int
}

// Events pages through the log. The returned cursor is the sequence to pass
// as After on the next call.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, int64, error) {
	values := url.Values{}
	if len(q.Types) > 0 {
		values.Set("types", strings.Join(q.Types, ","))
	}
	if q.After > 0 {
		values.Set("after", fmt.Sprintf("%d", q.After))
	}
	if q.Limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	var out struct {
		Events []Event `json:"events"`
		Cursor int64   `json:"cursor"`
	}
	err := c.do(ctx, http.MethodGet, "/api/events", values, nil, &out)
	return out.Events, out.Cursor, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, nil, &out)
	return out, err
}

func (c *Client) projectBody() map[string]string {
	if c.Project == "" {
		return map[string]string{}
	}
	return map[string]string{"project": c.Project}
}

// do sends one request. GETs and DELETEs carry the project as a query
// parameter, other methods in the body. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if c.Project != "" && (method == http.MethodGet || method == http.MethodDelete) && query.Get("project") == "" {
		query.Set("project", c.Project)
	}
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}
