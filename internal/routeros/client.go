// Package routeros talks to a MikroTik access controller over its REST API
// (/rest/ip/hotspot/user). It implements reconcile.AccessController.
package routeros

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

	"github.com/microsoftjulius/billing-sub001/internal/reconcile"
)

const deviceTimeout = 10 * time.Second

type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewClient(address, username, password string) *Client {
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: deviceTimeout},
	}
}

// hotspotUser is the wire shape of one /ip/hotspot/user entry. RouterOS
// encodes booleans as the strings "true"/"false".
type hotspotUser struct {
	ID       string `json:".id,omitempty"`
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
	Profile  string `json:"profile,omitempty"`
	Uptime   string `json:"limit-uptime,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Disabled string `json:"disabled,omitempty"`
}

func (c *Client) GetUser(ctx context.Context, username string) (*reconcile.RemoteUser, error) {
	u, err := c.findUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	return &reconcile.RemoteUser{
		Username: u.Name,
		Disabled: u.Disabled == "true",
		Profile:  u.Profile,
		Comment:  u.Comment,
	}, nil
}

func (c *Client) CreateUser(ctx context.Context, req reconcile.CreateUserRequest) error {
	body := hotspotUser{
		Name:     req.Username,
		Password: req.Password,
		Profile:  req.Profile,
		Uptime:   req.LimitUptime,
		Comment:  req.Comment,
	}
	if req.Disabled {
		body.Disabled = "true"
	}
	return c.do(ctx, http.MethodPut, "/rest/ip/hotspot/user", body, nil)
}

func (c *Client) EnableUser(ctx context.Context, username string) error {
	return c.setDisabled(ctx, username, "false")
}

func (c *Client) DisableUser(ctx context.Context, username string) error {
	return c.setDisabled(ctx, username, "true")
}

func (c *Client) RemoveUser(ctx context.Context, username string) error {
	u, err := c.findUser(ctx, username)
	if err != nil {
		return err
	}
	if u == nil {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/rest/ip/hotspot/user/"+url.PathEscape(u.ID), nil, nil)
}

func (c *Client) setDisabled(ctx context.Context, username, disabled string) error {
	u, err := c.findUser(ctx, username)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("hotspot user %q not found on device", username)
	}
	patch := map[string]string{"disabled": disabled}
	return c.do(ctx, http.MethodPatch, "/rest/ip/hotspot/user/"+url.PathEscape(u.ID), patch, nil)
}

func (c *Client) findUser(ctx context.Context, username string) (*hotspotUser, error) {
	var users []hotspotUser
	path := "/rest/ip/hotspot/user?name=" + url.QueryEscape(username)
	if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal device request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build device request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("device call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("device returned %d for %s %s: %s", resp.StatusCode, method, path, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode device response: %w", err)
		}
	}
	return nil
}
