// Package sse decodes Server-Sent Events frames from the turn stream into
// typed chat.StreamEvent values.
//
// Wire format:
//
//	data: {"chunk": "Hi"}
//	data: {"done": true}
//
// Frames are newline-delimited "data: <json>" lines terminated by a blank
// line. Lines starting with ":" are keep-alive comments and are ignored.
package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"aster/internal/domain"
	"aster/internal/domain/models/chat"
)

// maxFrameLogLen bounds how much of a malformed payload is kept for logging
const maxFrameLogLen = 256

// frame is the raw wire shape of one event. Exactly one logical field is
// expected per frame; when several are present the decoder picks the first
// in declaration order so each frame yields one tagged event.
type frame struct {
	Chunk             *string                 `json:"chunk,omitempty"`
	Status            *string                 `json:"status,omitempty"`
	Content           *string                 `json:"content,omitempty"`
	ToolCall          *wireToolCall           `json:"tool_call,omitempty"`
	ToolResult        *wireToolResult         `json:"tool_result,omitempty"`
	Reasoning         *string                 `json:"reasoning,omitempty"`
	Log               *chat.LogItem           `json:"log,omitempty"`
	SessionID         *int64                  `json:"session_id,omitempty"`
	PatientReferences []chat.PatientReference `json:"patient_references,omitempty"`
	TokenUsage        *chat.TokenUsage        `json:"token_usage,omitempty"`
	Iteration         *int                    `json:"iteration,omitempty"`
	Phase             *string                 `json:"phase,omitempty"`
	Done              *bool                   `json:"done,omitempty"`
	Error             *string                 `json:"error,omitempty"`
}

type wireToolCall struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

type wireToolResult struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// Decoder reads SSE frames from a stream and yields chat.StreamEvents.
// Decoding is purely a function of the input bytes; the decoder holds no
// turn state beyond its read buffer.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	dropped int
}

// NewDecoder creates a decoder over the raw response body of a turn stream
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	// Tool results and patient reference sets can be large
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Next returns the next decoded event.
//
// Malformed JSON frames are dropped silently (logged at debug, counted) and
// decoding continues with the following frame - a glitched frame is treated
// as transient, never fatal. Returns io.EOF when the stream ends and a
// *domain.TransportError if the underlying read fails.
func (d *Decoder) Next() (chat.StreamEvent, error) {
	var data strings.Builder

	for d.scanner.Scan() {
		line := d.scanner.Text()

		switch {
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			// Multi-line data fields concatenate with newlines per SSE spec
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(payload)

		case strings.HasPrefix(line, ":"):
			// keep-alive comment

		case line == "":
			if data.Len() == 0 {
				continue
			}
			ev, err := d.decodeFrame(data.String())
			data.Reset()
			if err != nil {
				// Dropped frame: keep going
				continue
			}
			return ev, nil

		default:
			// "event:"/"id:"/"retry:" lines are not part of this protocol;
			// ignore them rather than abort the turn
		}
	}

	if err := d.scanner.Err(); err != nil {
		return nil, &domain.TransportError{Op: "read stream", Err: err}
	}

	// A trailing frame without a terminating blank line still counts
	if data.Len() > 0 {
		if ev, err := d.decodeFrame(data.String()); err == nil {
			return ev, nil
		}
	}
	return nil, io.EOF
}

// Dropped reports how many malformed frames were discarded
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) decodeFrame(payload string) (chat.StreamEvent, error) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		d.dropped++
		perr := &domain.ProtocolError{Frame: truncate(payload, maxFrameLogLen), Err: err}
		if d.logger != nil {
			d.logger.Debug("dropping malformed stream frame",
				"error", err,
				"dropped_total", d.dropped,
			)
		}
		return nil, perr
	}
	ev := eventFromFrame(&f)
	if ev == nil {
		d.dropped++
		if d.logger != nil {
			d.logger.Debug("dropping empty stream frame",
				"dropped_total", d.dropped,
			)
		}
		return nil, &domain.ProtocolError{Frame: truncate(payload, maxFrameLogLen), Err: domain.ErrProtocol}
	}
	return ev, nil
}

// eventFromFrame maps a wire frame to exactly one tagged event
func eventFromFrame(f *frame) chat.StreamEvent {
	switch {
	case f.Chunk != nil:
		return chat.ChunkEvent{Text: *f.Chunk}
	case f.Error != nil:
		return chat.ErrorEvent{Message: *f.Error}
	case f.Done != nil && *f.Done:
		return chat.DoneEvent{}
	case f.ToolCall != nil:
		return chat.ToolCallStartedEvent{ToolCall: chat.ToolCall{
			ID:   f.ToolCall.ID,
			Tool: f.ToolCall.Tool,
			Args: f.ToolCall.Args,
		}}
	case f.ToolResult != nil:
		return chat.ToolResultEvent{ID: f.ToolResult.ID, Result: f.ToolResult.Result}
	case f.Reasoning != nil:
		return chat.ReasoningEvent{Delta: *f.Reasoning}
	case f.Log != nil:
		return chat.LogEvent{Item: *f.Log}
	case f.SessionID != nil:
		return chat.SessionAssignedEvent{SessionID: *f.SessionID}
	case f.PatientReferences != nil:
		return chat.PatientReferencesEvent{References: f.PatientReferences}
	case f.TokenUsage != nil:
		return chat.UsageEvent{Usage: *f.TokenUsage}
	case f.Status != nil:
		return chat.StatusEvent{Status: *f.Status, Content: f.Content}
	case f.Iteration != nil || f.Phase != nil:
		ev := chat.ProgressEvent{}
		if f.Iteration != nil {
			ev.Iteration = *f.Iteration
		}
		if f.Phase != nil {
			ev.Phase = *f.Phase
		}
		return ev
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
