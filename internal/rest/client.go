// Package rest is the stateless HTTP side of the remote API: the send
// fallback, history pagination, the conversation list, and read-receipt
// acknowledgements.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shannon-team/chatcore/internal/chaterr"
	"github.com/shannon-team/chatcore/internal/store"
	"go.uber.org/zap"
)

// Client calls the remote chat API over HTTP.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an API client rooted at base.
func NewClient(base, token string, logger *zap.Logger) *Client {
	return &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// SessionInfo is one conversation as returned by the session list.
type SessionInfo struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Kind               string `json:"kind"`
	AudioEnabled       bool   `json:"audioEnabled"`
	MemberCount        int    `json:"memberCount"`
	UnreadCount        int    `json:"unreadCount"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	LastMessagePreview string `json:"lastMessagePreview"`
}

// ToStoreSession converts a wire session for the local store.
func (s *SessionInfo) ToStoreSession() *store.ChatSession {
	kind := store.SessionKind(s.Kind)
	if kind != store.KindGroup {
		kind = store.KindPersonal
	}
	return &store.ChatSession{
		ID:                 s.ID,
		Name:               s.Name,
		Kind:               kind,
		AudioEnabled:       s.AudioEnabled,
		MemberCount:        s.MemberCount,
		UnreadCount:        s.UnreadCount,
		LastMessageAt:      s.LastMessageAt,
		LastMessagePreview: s.LastMessagePreview,
	}
}

// WireMessage mirrors the message shape of the history and send endpoints.
type WireMessage struct {
	ID          string `json:"id"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	SessionID   string `json:"sessionId"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName,omitempty"`
	Body        string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
	Status      string `json:"status,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// ToStoreMessage converts a wire message for the local store.
func (w *WireMessage) ToStoreMessage() *store.Message {
	ct := w.ContentType
	if ct == "" {
		ct = "text"
	}
	status := store.MessageStatus(w.Status)
	if status == "" {
		status = store.StatusSent
	}
	return &store.Message{
		SessionID:   w.SessionID,
		MsgID:       w.ID,
		ClientMsgID: w.ClientMsgID,
		SenderID:    w.SenderID,
		SenderName:  w.SenderName,
		Body:        w.Body,
		ContentType: ct,
		Status:      status,
		Timestamp:   w.Timestamp,
	}
}

// HistoryPage is one backward page of message history.
type HistoryPage struct {
	Messages   []WireMessage `json:"messages"`
	HasMore    bool          `json:"hasMore"`
	NextCursor string        `json:"nextCursor"`
}

// ListSessions fetches the user's conversation list.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := c.get(ctx, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// History fetches one backward page for a session. An empty cursor means
// the most recent window.
func (c *Client) History(ctx context.Context, sessionID, cursor string, limit int) (*HistoryPage, error) {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("limit", fmt.Sprint(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page HistoryPage
	if err := c.get(ctx, "/messages", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage submits a message over HTTP (the fallback path). The client
// correlation id is carried so the created message can be reconciled with
// the optimistic entry.
func (c *Client) SendMessage(ctx context.Context, sessionID, clientMsgID, body string) (*WireMessage, error) {
	req := map[string]string{
		"sessionId":   sessionID,
		"clientMsgId": clientMsgID,
		"content":     body,
	}
	var out struct {
		Message WireMessage `json:"message"`
	}
	if err := c.post(ctx, "/messages", req, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// AckRead acknowledges a batch of read message ids for a session.
func (c *Client) AckRead(ctx context.Context, sessionID string, messageIDs []string) error {
	req := map[string]any{
		"sessionId":  sessionID,
		"messageIds": messageIDs,
	}
	return c.post(ctx, "/messages/read", req, nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return chaterr.Transient("http "+req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", req.URL.Path, chaterr.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", req.URL.Path, chaterr.ErrRateLimited)
	case resp.StatusCode >= 500:
		return chaterr.Transient(req.URL.Path, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", req.URL.Path, resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}
