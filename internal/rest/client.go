// Package rest is the HTTP client for the chat API. It covers only the
// endpoints the sync layer consumes; the wider travel-app API lives elsewhere.
package rest

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

	"github.com/google/uuid"
	"github.com/roteiro/chatsync/internal/chat"
	"go.uber.org/zap"
)

// APIError is a non-2xx response from the chat API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

// MessagePage is one page of conversation history, newest first.
type MessagePage struct {
	Messages   []chat.Message `json:"messages"`
	NextCursor chat.MessageID `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// Client talks to the chat REST API with bearer-token auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the given API base URL, e.g.
// "https://api.example.com/v1".
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Conversations fetches the full conversation list, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchConversations runs a server-side conversation search.
func (c *Client) SearchConversations(ctx context.Context, query string) ([]chat.Conversation, error) {
	var out []chat.Conversation
	path := "/conversations?search=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversation refreshes a single conversation.
func (c *Client) Conversation(ctx context.Context, id chat.ConversationID) (chat.Conversation, error) {
	var out chat.Conversation
	err := c.do(ctx, http.MethodGet, "/conversations/"+id, nil, &out)
	return out, err
}

// Messages fetches one page of history. An empty beforeID fetches from the
// newest message.
func (c *Client) Messages(ctx context.Context, id chat.ConversationID, beforeID chat.MessageID) (MessagePage, error) {
	path := "/conversations/" + id + "/messages"
	if beforeID != "" {
		path += "?before=" + url.QueryEscape(beforeID)
	}
	var out MessagePage
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

type sendBody struct {
	Type       chat.MessageType     `json:"type"`
	Content    string               `json:"content,omitempty"`
	Attachment *chat.AttachmentMeta `json:"attachment,omitempty"`
}

// SendText posts a text message and returns the created message.
func (c *Client) SendText(ctx context.Context, id chat.ConversationID, content string) (chat.Message, error) {
	return c.sendMessage(ctx, id, sendBody{Type: chat.TextMessage, Content: content})
}

// SendImage posts an image message referencing an uploaded image URL.
func (c *Client) SendImage(ctx context.Context, id chat.ConversationID, imageURL string) (chat.Message, error) {
	return c.sendMessage(ctx, id, sendBody{
		Type:       chat.ImageMessage,
		Attachment: &chat.AttachmentMeta{URL: imageURL},
	})
}

// SendLocation posts a location message.
func (c *Client) SendLocation(ctx context.Context, id chat.ConversationID, lat, lng float64) (chat.Message, error) {
	return c.sendMessage(ctx, id, sendBody{
		Type:       chat.LocationMessage,
		Attachment: &chat.AttachmentMeta{Latitude: lat, Longitude: lng},
	})
}

// SendFile posts a file message referencing an uploaded file URL.
func (c *Client) SendFile(ctx context.Context, id chat.ConversationID, fileURL, fileName string, fileSize int64) (chat.Message, error) {
	return c.sendMessage(ctx, id, sendBody{
		Type:       chat.FileMessage,
		Attachment: &chat.AttachmentMeta{URL: fileURL, FileName: fileName, FileSize: fileSize},
	})
}

func (c *Client) sendMessage(ctx context.Context, id chat.ConversationID, body sendBody) (chat.Message, error) {
	var out chat.Message
	err := c.do(ctx, http.MethodPost, "/conversations/"+id+"/messages", body, &out)
	return out, err
}

// MarkRead reports messages as read.
func (c *Client) MarkRead(ctx context.Context, id chat.ConversationID, ids []chat.MessageID) error {
	body := struct {
		MessageIDs []chat.MessageID `json:"message_ids"`
	}{MessageIDs: ids}
	return c.do(ctx, http.MethodPost, "/conversations/"+id+"/messages/mark-read", body, nil)
}

// DirectResult is the response to a direct-conversation request. Created is
// false when the conversation already existed.
type DirectResult struct {
	Conversation chat.Conversation `json:"conversation"`
	Created      bool              `json:"created"`
}

// CreateDirect opens (or returns the existing) 1:1 conversation with a user.
func (c *Client) CreateDirect(ctx context.Context, userID chat.UserID) (DirectResult, error) {
	body := struct {
		UserID chat.UserID `json:"user_id"`
	}{UserID: userID}
	var out DirectResult
	err := c.do(ctx, http.MethodPost, "/conversations/direct", body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Detail  string `json:"detail"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.Detail
		if msg == "" {
			msg = apiErr.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
