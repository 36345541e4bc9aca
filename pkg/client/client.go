// Package client is a thin HTTP client for the batchrun API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// Client talks to a batchrun server.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithH2C speaks HTTP/2 over cleartext to servers started with h2c enabled.
func WithH2C() Option {
	return func(c *Client) {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		c.HTTPClient = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					return dialer.DialContext(ctx, network, addr)
				},
				ReadIdleTimeout: 30 * time.Second,
				PingTimeout:     10 * time.Second,
			},
		}
	}
}

// New creates a new client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		URL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Operation is one unit of work in a submitted set.
type Operation struct {
	Key      string            `json:"key,omitempty"`
	Callable string            `json:"callable"`
	Args     []json.RawMessage `json:"args,omitempty"`
}

// OperationSet is an ordered group of operations.
type OperationSet struct {
	Title      string      `json:"title,omitempty"`
	Finished   string      `json:"finished,omitempty"`
	Dynamic    bool        `json:"dynamic,omitempty"`
	Operations []Operation `json:"operations"`
}

// SubmitRequest describes a new batch job.
type SubmitRequest struct {
	Title    string         `json:"title,omitempty"`
	Sets     []OperationSet `json:"sets"`
	Redirect string         `json:"redirect,omitempty"`
	Driver   string         `json:"driver,omitempty"`
}

type Position struct {
	Set int `json:"set"`
	Op  int `json:"op"`
}

type Failure struct {
	Code    string `json:"code"`
	OpKey   string `json:"op_key,omitempty"`
	Message string `json:"message"`
}

// Job is the persisted state of a batch job as returned by the server.
type Job struct {
	ID         string                     `json:"id"`
	Title      string                     `json:"title,omitempty"`
	Sets       []OperationSet             `json:"sets"`
	Position   Position                   `json:"position"`
	Status     string                     `json:"status"`
	Results    map[string]json.RawMessage `json:"results,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Redirect   string                     `json:"redirect,omitempty"`
	Driver     string                     `json:"driver,omitempty"`
	Failure    *Failure                   `json:"failure,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
}

type Progress struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
}

// JobView is a job with its current progress estimate.
type JobView struct {
	Job      Job      `json:"job"`
	Progress Progress `json:"progress"`
}

type SubmitResult struct {
	JobView
	ContinueURL string `json:"continue_url"`
	Token       string `json:"token,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Kind     string                     `json:"kind"`
	JobID    string                     `json:"job_id"`
	Progress Progress                   `json:"progress"`
	Results  map[string]json.RawMessage `json:"results,omitempty"`
	Redirect string                     `json:"redirect,omitempty"`
	OpKey    string                     `json:"op_key,omitempty"`
	Error    string                     `json:"error,omitempty"`
	Code     string                     `json:"code,omitempty"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var result SubmitResult
	if err := c.do(ctx, "POST", "/api/v1/batches", "", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Get(ctx context.Context, id string) (*JobView, error) {
	var result JobView
	if err := c.do(ctx, "GET", "/api/v1/batches/"+url.PathEscape(id), "", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListOptions filters List. Zero fields match everything.
type ListOptions struct {
	Status string
	Driver string
	Limit  int
}

func (c *Client) List(ctx context.Context, opts ListOptions) ([]JobView, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Driver != "" {
		q.Set("driver", opts.Driver)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/v1/batches"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var result struct {
		Jobs []JobView `json:"jobs"`
	}
	if err := c.do(ctx, "GET", path, "", nil, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// Step runs one step of the job. A failed step returns both the decoded
// result and an *APIError.
func (c *Client) Step(ctx context.Context, id, token string) (*StepResult, error) {
	var result StepResult
	err := c.do(ctx, "POST", "/api/v1/batches/"+url.PathEscape(id)+"/step", token, nil, &result)
	if err != nil && result.Kind == "" {
		return nil, err
	}
	return &result, err
}

func (c *Client) Restart(ctx context.Context, id, token string) (*JobView, error) {
	var result JobView
	if err := c.do(ctx, "POST", "/api/v1/batches/"+url.PathEscape(id)+"/restart", token, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Delete(ctx context.Context, id, token string) error {
	return c.do(ctx, "DELETE", "/api/v1/batches/"+url.PathEscape(id), token, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, token string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(data, &apiErr)
		if result != nil {
			// Step failures carry a result body alongside the error.
			json.Unmarshal(data, result)
		}
		return &APIError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}

	if result != nil {
		return json.Unmarshal(data, result)
	}
	return nil
}
