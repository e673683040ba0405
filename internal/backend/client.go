// internal/backend/client.go
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/user/roomsync/internal/types"
)

// Client talks to the local agent backend's HTTP API. It implements
// types.BackendClient. Transient failures are retried with backoff; client
// errors surface immediately.
type Client struct {
	http  *resty.Client
	retry *RetryPolicy
}

// NewClient creates a backend client for the given base URL. The token is
// optional and sent as a bearer token when set.
func NewClient(baseURL, token string) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		http.SetAuthToken(token)
	}
	return &Client{http: http, retry: DefaultRetryPolicy()}
}

func (c *Client) do(call func() (*resty.Response, error), op string) error {
	return c.retry.Execute(func() error {
		resp, err := call()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if resp.IsError() {
			return fmt.Errorf("%s: status %d", op, resp.StatusCode())
		}
		return nil
	})
}

// CreateSession allocates a new session with the given title.
func (c *Client) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	var session types.Session
	err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"title": title}).
			SetResult(&session).
			Post("/v1/sessions")
	}, "create session")
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, fmt.Errorf("create session: backend returned no ID")
	}
	return &session, nil
}

// GetSession fetches a session including its full conversation.
func (c *Client) GetSession(ctx context.Context, id types.SessionID) (*types.Session, error) {
	var session types.Session
	err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&session).
			Get(fmt.Sprintf("/v1/sessions/%s", id))
	}, "get session")
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateDescription replaces the session's description text.
func (c *Client) UpdateDescription(ctx context.Context, id types.SessionID, text string) error {
	return c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"description": text}).
			Patch(fmt.Sprintf("/v1/sessions/%s", id))
	}, "update description")
}

// AppendMessage appends one message to the session's conversation. This is
// the fallback path when bulk replace is unavailable.
func (c *Client) AppendMessage(ctx context.Context, id types.SessionID, msg *types.LocalMessage) error {
	return c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(msg).
			Post(fmt.Sprintf("/v1/sessions/%s/messages", id))
	}, "append message")
}

// ReplaceHistory swaps the session's conversation for the given messages.
func (c *Client) ReplaceHistory(ctx context.Context, id types.SessionID, msgs []*types.LocalMessage) error {
	if msgs == nil {
		msgs = []*types.LocalMessage{}
	}
	return c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(msgs).
			Put(fmt.Sprintf("/v1/sessions/%s/messages", id))
	}, "replace history")
}
