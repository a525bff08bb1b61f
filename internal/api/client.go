package api

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

	"github.com/rs/zerolog"
)

// ClientConfig configures the backend client
type ClientConfig struct {
	BaseURL string        // e.g., "http://localhost:5000"
	Timeout time.Duration // HTTP request timeout
	TTSPath string        // Audio path template with {conversation_id} and {message_id}
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://localhost:5000",
		Timeout: 30 * time.Second,
		TTSPath: "/conversations/{conversation_id}/messages/{message_id}/tts",
	}
}

// Client calls the create-conversation and create-reply endpoints
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new backend client
func NewClient(cfg *ClientConfig, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.TTSPath == "" {
		cfg.TTSPath = DefaultClientConfig().TTSPath
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("component", "api-client").Logger(),
	}
}

// CreateConversation opens a conversation for the given problem and returns its id.
func (c *Client) CreateConversation(ctx context.Context, problem Problem) (string, error) {
	var resp conversationResponse
	if err := c.post(ctx, "create conversation", "/conversations", problem, &resp); err != nil {
		return "", err
	}
	if resp.ConversationID == "" {
		return "", fmt.Errorf("create conversation: %w", ErrNoConversation)
	}

	c.logger.Info().
		Str("conversation", resp.ConversationID).
		Str("company", problem.Company).
		Str("topic", problem.Topic).
		Msg("Conversation created")
	return resp.ConversationID, nil
}

// CreateReply sends an utterance and returns the id of the assistant turn answering it.
func (c *Client) CreateReply(ctx context.Context, req ReplyRequest) (*Reply, error) {
	if req.ConversationID == "" {
		return nil, ErrNoConversation
	}

	path := "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	var reply Reply
	if err := c.post(ctx, "create reply", path, req, &reply); err != nil {
		return nil, err
	}
	if reply.AssistantTurnID == "" {
		return nil, fmt.Errorf("create reply: %w", ErrMissingID)
	}

	c.logger.Debug().
		Str("conversation", req.ConversationID).
		Str("turn", reply.AssistantTurnID).
		Msg("Reply accepted")
	return &reply, nil
}

// TTSLocator returns the audio stream URL for an assistant turn.
func (c *Client) TTSLocator(conversationID, messageID string) string {
	path := strings.NewReplacer(
		"{conversation_id}", url.PathEscape(conversationID),
		"{message_id}", url.PathEscape(messageID),
	).Replace(c.config.TTSPath)
	return c.config.BaseURL + path
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
