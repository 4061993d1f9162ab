// Package chatapi is the HTTP client for the chat server's REST surface:
// login and message history fetches. Everything else (CRUD for users and
// groups, admin) is outside the pipeline and not wrapped here.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrUnauthorized means the token was rejected. It is never retried
// automatically; the user must re-authenticate.
var ErrUnauthorized = errors.New("chatapi: token rejected")

// ServerError is an application-level rejection for a specific request.
// The server validated and refused deliberately, so it is not retried.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.Status, e.Message)
}

// Client talks to the chat server REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, a client with a 30s timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// SetToken installs the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// User is the authenticated account identity.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// Session is the login result.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// WireMessage is the server's message shape, shared by the REST history
// endpoints and the socket push events. EncryptedContent stays opaque
// until the crypto collaborator opens it.
type WireMessage struct {
	ID               int64  `json:"id"`
	SenderID         int64  `json:"sender_id"`
	RecipientID      int64  `json:"recipient_id,omitempty"`
	GroupID          int64  `json:"group_id,omitempty"`
	EncryptedContent string `json:"encrypted_content"`
	Timestamp        string `json:"timestamp"`
}

// Time parses the server timestamp. The server emits either RFC 3339 or
// SQLite's "YYYY-MM-DD HH:MM:SS"; unparseable stamps fall back to now so
// a single bad row cannot wedge ingestion.
func (m WireMessage) Time() time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, m.Timestamp); err == nil {
			return t
		}
	}
	return time.Now()
}

// Login authenticates and installs the returned token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	body := map[string]string{"username": username, "password": password}

	var session Session
	if err := c.post(ctx, "/api/auth/login", body, &session); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.token = session.Token
	return &session, nil
}

// DirectMessages fetches the direct conversation with a contact. A zero
// since fetches full history; otherwise only messages at or after the
// bound are returned.
func (c *Client) DirectMessages(ctx context.Context, contactID int64, since time.Time) ([]WireMessage, error) {
	return c.messages(ctx, fmt.Sprintf("/api/messages/direct/%d", contactID), since)
}

// GroupMessages fetches a group conversation's history.
func (c *Client) GroupMessages(ctx context.Context, groupID int64, since time.Time) ([]WireMessage, error) {
	return c.messages(ctx, fmt.Sprintf("/api/messages/group/%d", groupID), since)
}

func (c *Client) messages(ctx context.Context, endpoint string, since time.Time) ([]WireMessage, error) {
	if !since.IsZero() {
		endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var msgs []WireMessage
	if err := c.get(ctx, endpoint, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &ServerError{Status: resp.StatusCode, Message: msg}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
		}
	}
	return nil
}
