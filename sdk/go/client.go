package crewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// User is a registered chat identity.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username,omitempty"`
	FullName     string `json:"full_name"`
	Role         string `json:"role"`
	RegisteredAt string `json:"registered_at"`
}

// AdminTask is a task an admin issued to a worker.
type AdminTask struct {
	ID            int64   `json:"id"`
	FromAdmin     int64   `json:"from_admin"`
	ToWorker      int64   `json:"to_worker"`
	Text          string  `json:"text"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	ReadAt        *string `json:"read_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	WorkerComment *string `json:"worker_comment,omitempty"`
	AdminName     string  `json:"admin_name"`
	WorkerName    string  `json:"worker_name"`
}

// WorkerTask is a request a worker filed for review.
type WorkerTask struct {
	ID           int64   `json:"id"`
	FromWorker   int64   `json:"from_worker"`
	Text         string  `json:"text"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	ReviewedAt   *string `json:"reviewed_at,omitempty"`
	ReviewedBy   *int64  `json:"reviewed_by,omitempty"`
	AdminComment *string `json:"admin_comment,omitempty"`
	WorkerName   string  `json:"worker_name"`
	ReviewerName string  `json:"reviewer_name,omitempty"`
}

// Notification is one journaled delivery attempt.
type Notification struct {
	ID        int64  `json:"id"`
	Recipient int64  `json:"recipient"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type Stats struct {
	Admins      int           `json:"admins"`
	Workers     int           `json:"workers"`
	AdminTasks  []StatusCount `json:"admin_tasks"`
	WorkerTasks []StatusCount `json:"worker_tasks"`
	Delivered   int           `json:"delivered"`
	Failed      int           `json:"failed"`
}

// Event kinds accepted by PostEvent.
const (
	EventCommand  = "command"
	EventText     = "text"
	EventCallback = "callback"
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.User, err
}

// Users lists registered users; role may be empty. Admin only.
func (c *Client) Users(ctx context.Context, role string) ([]User, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	var resp struct {
		Items []User `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("users", q), nil, &resp)
	return resp.Items, err
}

// AdminTaskQuery filters AdminTasks. Zero fields are ignored.
type AdminTaskQuery struct {
	WorkerID int64
	AdminID  int64
	Status   string
	Limit    int
}

// AdminTasks lists issued tasks, newest first. Admin only.
func (c *Client) AdminTasks(ctx context.Context, f AdminTaskQuery) ([]AdminTask, error) {
	q := url.Values{}
	setInt(q, "worker", f.WorkerID)
	setInt(q, "admin", f.AdminID)
	setInt(q, "limit", int64(f.Limit))
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	var resp struct {
		Items []AdminTask `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("admin-tasks", q), nil, &resp)
	return resp.Items, err
}

// AdminTask fetches one issued task. Its worker may read it too.
func (c *Client) AdminTask(ctx context.Context, id int64) (AdminTask, error) {
	var resp AdminTask
	err := c.do(ctx, http.MethodGet, "admin-tasks/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

// WorkerTasks lists worker requests with an optional status. Admin only.
func (c *Client) WorkerTasks(ctx context.Context, status string, limit int) ([]WorkerTask, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	setInt(q, "limit", int64(limit))
	var resp struct {
		Items []WorkerTask `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("worker-tasks", q), nil, &resp)
	return resp.Items, err
}

// Notifications lists journaled deliveries; recipient 0 means all. Admin only.
func (c *Client) Notifications(ctx context.Context, recipient int64, limit int) ([]Notification, error) {
	q := url.Values{}
	setInt(q, "user", recipient)
	setInt(q, "limit", int64(limit))
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("notifications", q), nil, &resp)
	return resp.Items, err
}

// Stats returns user, task and delivery counters. Admin only.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// PostEvent queues an inbound event as the authenticated user and returns its id.
// Callback payloads have the form <action>:<task id>.
func (c *Client) PostEvent(ctx context.Context, kind, payload string) (string, error) {
	body := map[string]any{"kind": kind, "payload": payload}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "events", body, &resp)
	return resp.ID, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func setInt(q url.Values, key string, v int64) {
	if v != 0 {
		q.Set(key, strconv.FormatInt(v, 10))
	}
}
