// Package client talks to the assistant backend: turn submission, message
// polling, and session listing. It is the only package that knows URLs and
// wire-level HTTP concerns; everything above it works with domain models.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"aster/internal/client/sse"
	"aster/internal/domain"
	"aster/internal/domain/models/chat"
	chatSvc "aster/internal/domain/services/chat"
)

// Client is the HTTP API client for the assistant backend.
// It implements chatSvc.Gateway.
type Client struct {
	rest    *resty.Client
	http    *http.Client
	baseURL string
	logger  *slog.Logger
}

var _ chatSvc.Gateway = (*Client)(nil)

// New creates an API client for the given base URL (e.g. "http://localhost:8080/api")
func New(baseURL string, logger *slog.Logger) *Client {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		rest:    rest,
		baseURL: strings.TrimRight(baseURL, "/"),
		// Separate client without a global timeout: a live stream may
		// legitimately stay open for minutes.
		http:   &http.Client{},
		logger: logger,
	}
}

// TurnStream is a live event connection for one turn.
// The caller owns it and must Close it when done.
type TurnStream struct {
	decoder *sse.Decoder
	body    io.ReadCloser
}

// Next returns the next decoded stream event (io.EOF at end of stream)
func (s *TurnStream) Next() (chat.StreamEvent, error) {
	return s.decoder.Next()
}

// Close severs the connection. Safe to call more than once.
func (s *TurnStream) Close() error {
	return s.body.Close()
}

// SubmitTurn sends the user's message. The backend either answers with an
// async job descriptor (Content-Type application/json) or opens a live
// event stream (Content-Type text/event-stream).
func (c *Client) SubmitTurn(ctx context.Context, req *chatSvc.SubmitTurnRequest) (*chatSvc.SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Op: "submit turn", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeProblem(resp)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		c.logger.Debug("turn submitted, live stream opened")
		return &chatSvc.SubmitResult{Stream: &TurnStream{
			decoder: sse.NewDecoder(resp.Body, c.logger),
			body:    resp.Body,
		}}, nil
	}

	defer resp.Body.Close()
	var job chatSvc.TurnJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, &domain.TransportError{Op: "submit turn", Err: fmt.Errorf("decode job response: %w", err)}
	}
	c.logger.Debug("turn submitted, async job returned",
		"task_id", job.TaskID,
		"message_id", job.MessageID,
		"session_id", job.SessionID,
	)
	return &chatSvc.SubmitResult{Job: &job}, nil
}

// GetMessage fetches the current snapshot of a message
// GET /sessions/{session_id}/messages/{message_id}
func (c *Client) GetMessage(ctx context.Context, sessionID, messageID int64) (*chat.Message, error) {
	var msg chat.Message
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&msg).
		Get(fmt.Sprintf("/sessions/%d/messages/%d", sessionID, messageID))
	if err != nil {
		return nil, &domain.TransportError{Op: "poll message", Err: err}
	}
	if resp.IsError() {
		return nil, problemFromResty(resp)
	}
	return &msg, nil
}

// ListMessages fetches a session's full ordered message list
// GET /sessions/{session_id}/messages
func (c *Client) ListMessages(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	var messages []chat.Message
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&messages).
		Get(fmt.Sprintf("/sessions/%d/messages", sessionID))
	if err != nil {
		return nil, &domain.TransportError{Op: "list messages", Err: err}
	}
	if resp.IsError() {
		return nil, problemFromResty(resp)
	}
	return messages, nil
}
