package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultSessionPath is the WebSocket path of a story session. The
// "{session}" placeholder is replaced by the escaped session id.
const DefaultSessionPath = "/ws/story/{session}"

// ErrStoryNotFound is returned by GetStory for an unknown story.
var ErrStoryNotFound = errors.New("story not found")

// Client provides HTTP methods for the story REST API and builds session
// URLs. It is safe for concurrent use.
type Client struct {
	baseURL     string
	apiPrefix   string // API prefix (e.g., "/soloplay")
	sessionPath string
	httpClient  *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithAPIPrefix sets a prefix prepended to every path, for servers mounted
// below the root. Default is no prefix.
func WithAPIPrefix(prefix string) Option {
	return func(client *Client) {
		client.apiPrefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithSessionPath sets the WebSocket path template of a session.
// It must contain the "{session}" placeholder.
func WithSessionPath(path string) Option {
	return func(client *Client) {
		client.sessionPath = path
	}
}

// New creates a new story client.
// baseURL should be the server address (e.g., "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		sessionPath: DefaultSessionPath,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiURL builds a full API URL with the prefix.
func (c *Client) apiURL(path string) string {
	return c.baseURL + c.apiPrefix + path
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SessionURL returns the WebSocket URL of a session. It can be used as
// ConnectionConfig.Endpoint.
func (c *Client) SessionURL(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session url: empty session id")
	}
	if !strings.Contains(c.sessionPath, "{session}") {
		return "", fmt.Errorf("session url: path %q has no {session} placeholder", c.sessionPath)
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("session url: parse base URL: %w", err)
	}

	// Convert http(s) to ws(s)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("session url: unsupported scheme %q", u.Scheme)
	}
	// RawPath carries the escaped id so "/" stays inside one segment.
	base := strings.TrimSuffix(u.EscapedPath(), "/") + c.apiPrefix
	u.RawPath = base + strings.ReplaceAll(c.sessionPath, "{session}", url.PathEscape(sessionID))
	u.Path, err = url.PathUnescape(u.RawPath)
	if err != nil {
		return "", fmt.Errorf("session url: %w", err)
	}
	return u.String(), nil
}

// StoryInfo describes a story thread known to the server.
type StoryInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	AdventureName string `json:"adventureName,omitempty"`
	FollowingMode string `json:"followingMode,omitempty"`
	CreatedAt     string `json:"createdAt,omitempty"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
}

// Meta returns the session metadata of the story.
func (s StoryInfo) Meta() SessionMeta {
	return SessionMeta{
		Name:          s.Name,
		AdventureName: s.AdventureName,
		FollowingMode: s.FollowingMode,
	}
}

// ListStories returns the ids of all story threads.
func (c *Client) ListStories(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("/api/story/list"), nil)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list stories: status %d: %s", resp.StatusCode, string(body))
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("list stories: decode: %w", err)
	}
	return ids, nil
}

// GetStory returns information about a specific story thread.
func (c *Client) GetStory(ctx context.Context, storyID string) (*StoryInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("/api/story/"+url.PathEscape(storyID)), nil)
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get story: status %d: %s", resp.StatusCode, string(body))
	}

	var story StoryInfo
	if err := json.NewDecoder(resp.Body).Decode(&story); err != nil {
		return nil, fmt.Errorf("get story: decode: %w", err)
	}
	if story.ID == "" {
		story.ID = storyID
	}
	return &story, nil
}
