package cli

import (
	"fmt"
	"io"
	"sync"

	"aster/internal/client/sse"
	chatModels "aster/internal/domain/models/chat"
)

// renderer reveals one assistant message incrementally as the engine
// reports updates. Content is printed run-by-run (whitespace and word
// runs) rather than atomically, so long chunks appear as flowing text.
type renderer struct {
	mu      sync.Mutex
	w       io.Writer
	printed int             // bytes of content already written
	tools   map[string]bool // announced tool call ids
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, tools: make(map[string]bool)}
}

// Prime renders a resumed message's last known content immediately,
// before any polling has happened.
func (r *renderer) Prime(msg chatModels.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.w, msg.Content)
	r.printed = len(msg.Content)
	for _, tc := range msg.ToolCalls {
		r.tools[tc.ID] = true
	}
}

// Update renders whatever is new in this message copy
func (r *renderer) Update(msg chatModels.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case len(msg.Content) > r.printed:
		for _, run := range sse.TokenizeRuns(msg.Content[r.printed:]) {
			fmt.Fprint(r.w, run)
		}
		r.printed = len(msg.Content)
	case len(msg.Content) < r.printed:
		// An authoritative snapshot replaced the content with something
		// shorter; reprint rather than leave stale text standing
		fmt.Fprintf(r.w, "\n%s", msg.Content)
		r.printed = len(msg.Content)
	}

	for _, tc := range msg.ToolCalls {
		if !r.tools[tc.ID] {
			r.tools[tc.ID] = true
			fmt.Fprintf(r.w, "\n[tool: %s]\n", tc.Tool)
		}
	}
}

// Terminal renders the closing line for a settled message
func (r *renderer) Terminal(msg chatModels.Message, err error) {
	r.Update(msg)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Status {
	case chatModels.StatusInterrupted:
		fmt.Fprint(r.w, "\n(response interrupted)")
	}
	if len(msg.PatientReferences) > 0 {
		fmt.Fprint(r.w, "\n")
		for _, ref := range msg.PatientReferences {
			fmt.Fprintf(r.w, "[patient: %s]\n", ref.PatientName)
		}
	}
	if msg.TokenUsage != nil {
		fmt.Fprintf(r.w, "\n(%d tokens)", msg.TokenUsage.Total)
	}
}

// printMessage prints one historical message with a role prefix
func printMessage(w io.Writer, msg chatModels.Message) {
	prefix := "you"
	if msg.Role == chatModels.RoleAssistant {
		prefix = "assistant"
	}
	fmt.Fprintf(w, "%s: %s", prefix, msg.Content)
	switch msg.Status {
	case chatModels.StatusInterrupted:
		fmt.Fprint(w, " (interrupted)")
	case chatModels.StatusError:
		fmt.Fprint(w, " (failed)")
	case chatModels.StatusPending, chatModels.StatusStreaming:
		fmt.Fprint(w, " (in progress)")
	}
	fmt.Fprintln(w)
}
