package remote

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

	"getitdone/internal/config"
	"getitdone/internal/metrics"
	"getitdone/internal/models"

	"github.com/rs/zerolog"
)

const maxErrorBody = 512

// CredentialSource supplies the bearer token and the current owner.
type CredentialSource interface {
	AccessToken() string
	OwnerID() string
}

// LocalCache is read when a fetch fails so task visibility degrades gracefully.
type LocalCache interface {
	GetAllTasks(ctx context.Context, includePendingDeletes bool) ([]models.Task, error)
}

// Client talks to the authoritative task collection and device-token endpoints.
// It never retries internally.
type Client struct {
	baseURL      string
	creds        CredentialSource
	cache        LocalCache
	httpClient   *http.Client
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLocalCache(cache LocalCache) Option {
	return func(c *Client) { c.cache = cache }
}

func NewClient(cfg config.RemoteConfig, creds CredentialSource, logger *zerolog.Logger, opts ...Option) *Client {
	l := logger.With().Str("component", "remote").Logger()
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		creds:        creds,
		httpClient:   &http.Client{},
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       &l,
	}
	if c.readTimeout <= 0 {
		c.readTimeout = models.DefaultReadTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = models.DefaultWriteTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAll returns the remote task list. On any failure other than a missing
// credential it serves the local cache filtered to the current owner.
func (c *Client) FetchAll(ctx context.Context) ([]models.RemoteTask, error) {
	tasks, err := c.FetchAllStrict(ctx)
	if err == nil || errors.Is(err, ErrUnauthenticated) {
		return tasks, err
	}

	c.logger.Warn().Err(err).Msg("Fetch failed, serving local cache")
	if c.cache == nil {
		return []models.RemoteTask{}, nil
	}
	local, cacheErr := c.cache.GetAllTasks(ctx, false)
	if cacheErr != nil {
		c.logger.Error().Err(cacheErr).Msg("Local cache read failed")
		return []models.RemoteTask{}, nil
	}
	owner := c.creds.OwnerID()
	out := make([]models.RemoteTask, 0, len(local))
	for _, t := range local {
		if t.OwnedBy(owner) {
			out = append(out, models.NewRemoteTask(t))
		}
	}
	return out, nil
}

// FetchAllStrict is FetchAll without the cache fallback.
func (c *Client) FetchAllStrict(ctx context.Context) ([]models.RemoteTask, error) {
	var tasks []models.RemoteTask
	if err := c.do(ctx, http.MethodGet, "/tasks", "", nil, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []models.RemoteTask{}
	}
	return tasks, nil
}

// Create posts a task and returns the canonical record.
func (c *Client) Create(ctx context.Context, task models.Task) (*models.RemoteTask, error) {
	var out models.RemoteTask
	if err := c.do(ctx, http.MethodPost, "/tasks", task.IdempotencyKey(), task.Payload(), &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &ServerError{Op: "create", Status: http.StatusOK, Body: "response without id"}
	}
	return &out, nil
}

func (c *Client) Update(ctx context.Context, task models.Task) (*models.RemoteTask, error) {
	var out models.RemoteTask
	path := "/tasks/" + url.PathEscape(task.ID)
	if err := c.do(ctx, http.MethodPut, path, task.IdempotencyKey(), task.Payload(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a task. A 404 is returned as an error matching ErrNotFound.
func (c *Client) Delete(ctx context.Context, id, idempotencyKey string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), idempotencyKey, nil, nil)
}

func (c *Client) RegisterDeviceToken(ctx context.Context, reg models.DeviceRegistration) error {
	return c.do(ctx, http.MethodPost, "/api/fcm/register", "", reg, nil)
}

func (c *Client) UnregisterDeviceToken(ctx context.Context, deviceID string) error {
	body := map[string]string{"device_id": deviceID}
	return c.do(ctx, http.MethodDelete, "/api/fcm/unregister", "", body, nil)
}

// Ping probes connectivity. Any HTTP answer counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "ping", Err: err}
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	op := strings.ToLower(method) + " " + path
	token := c.creds.AccessToken()
	if token == "" {
		return ErrUnauthenticated
	}

	timeout := c.writeTimeout
	if method == http.MethodGet {
		timeout = c.readTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote %s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveRemote(method, 0, time.Since(start))
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	metrics.ObserveRemote(method, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ServerError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if ctx.Err() != nil {
			return &NetworkError{Op: op, Err: err}
		}
		return &ServerError{Op: op, Status: resp.StatusCode, Body: "malformed response: " + err.Error()}
	}
	return nil
}
