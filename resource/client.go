// Package resource is a typed CRUD client for the REST backend. Every
// operation targets one named resource under /api/{resource} and normalizes
// its outcome into an Envelope - expected HTTP-level failures never surface
// as errors from these calls, callers test Envelope.Success (or Err).
package resource

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

	"github.com/unkn0wn-root/syncache"
)

const defaultTimeout = 15 * time.Second

// TokenFunc supplies the bearer token per request (sessions rotate).
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken adapts a fixed token string.
func StaticToken(tok string) TokenFunc {
	return func(context.Context) (string, error) { return tok, nil }
}

// Config tunes the client. Only BaseURL is required.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client // nil => 15s timeout client
	Token      TokenFunc    // nil => no Authorization header

	// Tenant scope, appended to every query when set.
	SchoolID string
	CampusID string

	Logger syncache.Logger
}

type Client struct {
	base     *url.URL
	httpc    *http.Client
	token    TokenFunc
	schoolID string
	campusID string
	log      syncache.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("resource: base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("resource: parse base URL: %w", err)
	}
	c := &Client{
		base:     base,
		httpc:    cfg.HTTPClient,
		token:    cfg.Token,
		schoolID: cfg.SchoolID,
		campusID: cfg.CampusID,
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Logger != nil {
		c.log = cfg.Logger
	} else {
		c.log = syncache.NopLogger{}
	}
	return c, nil
}

// List fetches the collection for resource filtered by q.
func List[T any](ctx context.Context, c *Client, resource string, q Query) Envelope[[]T] {
	return call[[]T](ctx, c, http.MethodGet, resource, "", q, nil)
}

// Create issues one POST; the envelope carries the created record.
func Create[T any](ctx context.Context, c *Client, resource string, payload any) Envelope[T] {
	return call[T](ctx, c, http.MethodPost, resource, "", nil, payload)
}

// Update issues one PUT for id. An empty id fails synchronously with a
// ValidationError - no network call is made.
func Update[T any](ctx context.Context, c *Client, resource, id string, payload any) Envelope[T] {
	if strings.TrimSpace(id) == "" {
		return failed[T](&syncache.ValidationError{Field: "id", Reason: "required for update"})
	}
	return call[T](ctx, c, http.MethodPut, resource, id, nil, payload)
}

// Delete issues one DELETE for id; same empty-id rule as Update.
func Delete(ctx context.Context, c *Client, resource, id string) Envelope[struct{}] {
	if strings.TrimSpace(id) == "" {
		return failed[struct{}](&syncache.ValidationError{Field: "id", Reason: "required for delete"})
	}
	return call[struct{}](ctx, c, http.MethodDelete, resource, id, nil, nil)
}

func call[T any](ctx context.Context, c *Client, method, resource, id string, q Query, payload any) Envelope[T] {
	if strings.TrimSpace(resource) == "" {
		return failed[T](&syncache.ValidationError{Field: "resource", Reason: "required"})
	}

	vals, err := c.scopedValues(q)
	if err != nil {
		return failed[T](err)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/" + url.PathEscape(resource)
	if id != "" {
		u.Path += "/" + url.PathEscape(id)
	}
	u.RawQuery = vals.Encode()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return failed[T](&syncache.ValidationError{Field: "payload", Reason: err.Error()})
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return failed[T](&syncache.ValidationError{Field: "request", Reason: err.Error()})
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			// no usable session: let the cache's auth handling take over
			return failed[T](&syncache.AuthError{Msg: "token: " + err.Error()})
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	c.log.Debug("resource request", syncache.Fields{"method": method, "url": u.String()})

	resp, err := c.httpc.Do(req)
	if err != nil {
		return failed[T](&syncache.NetworkError{Op: method + " " + resource, Err: err})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failed[T](&syncache.NetworkError{Op: "read " + resource, Err: err})
	}

	var env Envelope[T]
	if len(raw) > 0 {
		if jerr := json.Unmarshal(raw, &env); jerr != nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				// a 2xx that is not an envelope is truly exceptional
				return failed[T](fmt.Errorf("resource: malformed response body: %w", jerr))
			}
			env = Envelope[T]{Success: false, Error: http.StatusText(resp.StatusCode)}
		}
	}
	env.status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		env.Success = false
		if env.Error == "" {
			env.Error = http.StatusText(resp.StatusCode)
		}
	}
	return env
}

func (c *Client) scopedValues(q Query) (url.Values, error) {
	vals, err := q.Values()
	if err != nil {
		return nil, err
	}
	if c.schoolID != "" {
		vals.Set("school_id", c.schoolID)
	}
	if c.campusID != "" {
		vals.Set("campus_id", c.campusID)
	}
	return vals, nil
}
