// Package client implements watchdog.TaskService over the task service's
// JSON HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	watchdog "github.com/goliatone/go-watchdog"
	"github.com/goliatone/go-watchdog/durable"
)

const (
	ErrCodeRequestFailed = "TASK_SERVICE_REQUEST_FAILED"
	ErrCodeBadStatus     = "TASK_SERVICE_BAD_STATUS"
)

var (
	ErrRequestFailed = apperrors.New("task service request failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeRequestFailed)
	ErrBadStatus = apperrors.New("task service returned an error status", apperrors.CategoryExternal).
			WithTextCode(ErrCodeBadStatus)
)

const defaultTimeout = 30 * time.Second

// Client talks to one task service base URL.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	headers map[string]string
	logger  durable.Logger
}

var _ watchdog.TaskService = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

func WithLogger(logger durable.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.New("task service base url must be absolute", apperrors.CategoryValidation).
			WithTextCode(watchdog.ErrCodeInvalidArgument).
			WithMetadata(map[string]any{"base_url": baseURL})
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
		headers: make(map[string]string),
		logger:  durable.NewFmtLogger(io.Discard),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type okResponse struct {
	OK bool `json:"ok"`
}

type executeResponse struct {
	Failed bool `json:"failed"`
}

func (c *Client) CleanPool(ctx context.Context, pool watchdog.PoolName) error {
	_, err := c.do(ctx, http.MethodPost, poolPath(pool, "clean"), nil)
	return err
}

func (c *Client) StartPool(ctx context.Context, pool watchdog.PoolName) error {
	_, err := c.do(ctx, http.MethodPost, poolPath(pool, "start"), nil)
	return err
}

func (c *Client) StopPool(ctx context.Context, pool watchdog.PoolName) error {
	_, err := c.do(ctx, http.MethodPost, poolPath(pool, "stop"), nil)
	return err
}

// GetNextTask returns nil when the service answers 204 No Content.
func (c *Client) GetNextTask(ctx context.Context, pool watchdog.PoolName) (*watchdog.TaskExecution, error) {
	var task *watchdog.TaskExecution
	found, err := c.do(ctx, http.MethodGet, poolPath(pool, "next-task"), &task)
	if err != nil || !found {
		return nil, err
	}
	return task, nil
}

func (c *Client) CancelExecutingTask(ctx context.Context, pool watchdog.PoolName) (bool, error) {
	var out okResponse
	_, err := c.do(ctx, http.MethodPost, poolPath(pool, "cancel"), &out)
	return out.OK, err
}

func (c *Client) SetTaskDone(ctx context.Context, pool watchdog.PoolName) (bool, error) {
	var out okResponse
	_, err := c.do(ctx, http.MethodPost, poolPath(pool, "done"), &out)
	return out.OK, err
}

func (c *Client) ExecuteTask(ctx context.Context, task watchdog.TaskName) (bool, error) {
	var out executeResponse
	_, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(task.String())+"/execute", &out)
	return out.Failed, err
}

func poolPath(pool watchdog.PoolName, action string) string {
	return "/pools/" + url.PathEscape(pool.String()) + "/" + action
}

// do sends the request and decodes a JSON body into out. It reports false
// when the response carried no content.
func (c *Client) do(ctx context.Context, method, path string, out any) (bool, error) {
	target := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), http.NoBody)
	if err != nil {
		return false, c.requestError(method, target.String(), err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	logger := durable.WithFields(c.logger, map[string]any{
		"method":  method,
		"url":     target.String(),
		"latency": time.Since(start).String(),
	})
	if err != nil {
		logger.Warn("task service request failed: %v", err)
		return false, c.requestError(method, target.String(), err)
	}
	defer resp.Body.Close()
	logger.Debug("task service responded %d", resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, ErrBadStatus.Clone().WithMetadata(map[string]any{
			"method": method,
			"url":    target.String(),
			"status": resp.StatusCode,
			"body":   strings.TrimSpace(string(slurp)),
		})
	}
	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, c.requestError(method, target.String(), err)
	}
	if len(bytes.TrimSpace(body)) == 0 || out == nil {
		return len(bytes.TrimSpace(body)) > 0, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, c.requestError(method, target.String(), fmt.Errorf("decode response: %w", err))
	}
	return true, nil
}

func (c *Client) requestError(method, target string, cause error) error {
	err := ErrRequestFailed.Clone().WithMetadata(map[string]any{
		"method": method,
		"url":    target,
	})
	err.Source = cause
	return err
}
