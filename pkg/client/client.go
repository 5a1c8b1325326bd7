package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/sdrctf/challengectl/pkg/types"
)

const csrfHeader = "X-CSRF-Token"

// Client is the operator HTTP client used by the CLI. It carries the
// session cookie jar and echoes the CSRF cookie on mutations.
type Client struct {
	baseURL string
	http    *http.Client
	csrf    string
}

func New(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Login authenticates and, when the account has a TOTP secret, verifies
// the code in the same call.
func (c *Client) Login(username, password, totpCode string) error {
	var resp struct {
		TOTPRequired bool `json:"totp_required"`
	}
	if err := c.do(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp); err != nil {
		return err
	}
	c.captureCSRF()

	if resp.TOTPRequired {
		if totpCode == "" {
			return fmt.Errorf("account requires a TOTP code")
		}
		if err := c.do(http.MethodPost, "/api/v1/auth/verify-totp", map[string]string{
			"code": totpCode,
		}, nil); err != nil {
			return err
		}
	}
	return nil
}

// captureCSRF reads the CSRF companion cookie out of the jar.
func (c *Client) captureCSRF() {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return
	}
	for _, cookie := range c.http.Jar.Cookies(u) {
		if cookie.Name == "challengectl_csrf" {
			c.csrf = cookie.Value
		}
	}
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && c.csrf != "" {
		req.Header.Set(csrfHeader, c.csrf)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// CreateChallenge submits a new challenge definition.
func (c *Client) CreateChallenge(name string, priority int, enabled bool, cfg types.ChallengeConfig) error {
	return c.do(http.MethodPost, "/api/v1/challenges", map[string]any{
		"name":     name,
		"priority": priority,
		"enabled":  enabled,
		"config":   cfg,
	}, nil)
}

// UpdateChallenge replaces parameters of an existing challenge.
func (c *Client) UpdateChallenge(id, name string, priority int, cfg types.ChallengeConfig) error {
	return c.do(http.MethodPut, "/api/v1/challenges/"+url.PathEscape(id), map[string]any{
		"name":     name,
		"priority": priority,
		"config":   cfg,
	}, nil)
}

// ListChallenges fetches every challenge.
func (c *Client) ListChallenges() ([]*types.Challenge, error) {
	var resp struct {
		Challenges []*types.Challenge `json:"challenges"`
	}
	if err := c.do(http.MethodGet, "/api/v1/challenges", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Challenges, nil
}

// TriggerChallenge requeues a waiting challenge immediately.
func (c *Client) TriggerChallenge(id string) error {
	return c.do(http.MethodPost, "/api/v1/challenges/"+url.PathEscape(id)+"/trigger", map[string]any{}, nil)
}

// EnrollToken holds the one-shot material returned by token creation.
type EnrollToken struct {
	AgentID    string    `json:"agent_id"`
	Token      string    `json:"enrollment_token"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CreateEnrollToken issues an enrollment token for an agent id.
func (c *Client) CreateEnrollToken(agentID string, kind types.AgentKind, ttl time.Duration) (*EnrollToken, error) {
	body := map[string]any{"agent_id": agentID, "kind": kind}
	if ttl > 0 {
		body["ttl"] = ttl.String()
	}
	var tok EnrollToken
	if err := c.do(http.MethodPost, "/api/v1/agents/enroll-tokens", body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// ListAgents fetches the agent fleet.
func (c *Client) ListAgents() ([]*types.Agent, error) {
	var resp struct {
		Agents []*types.Agent `json:"agents"`
	}
	if err := c.do(http.MethodGet, "/api/v1/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Pause stops dispatching globally.
func (c *Client) Pause() error {
	return c.do(http.MethodPost, "/api/v1/system/pause", map[string]any{}, nil)
}

// Resume restarts dispatching.
func (c *Client) Resume() error {
	return c.do(http.MethodPost, "/api/v1/system/resume", map[string]any{}, nil)
}
