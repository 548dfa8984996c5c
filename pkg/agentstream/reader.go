package agentstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trip-agent/agent_go/internal/utils"

	"github.com/mark3labs/mcp-go/mcp"
)

// Message is one entry of the conversation history sent to the agent runtime.
type Message struct {
	Role     string          `json:"role"`
	Text     string          `json:"text,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// StreamRequest is one model turn. Tools lists the tools advertised for
// this turn; a nil slice means the model must answer without tool use.
// OutputSchema, when set, asks the runtime for schema-bound output.
type StreamRequest struct {
	SessionID    string          `json:"session_id"`
	Messages     []Message       `json:"messages"`
	Tools        []mcp.Tool      `json:"tools,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Client opens streaming connections to the agent runtime.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     utils.ExtendedLogger
}

// NewClient creates a runtime client. Research turns can legitimately run
// for minutes, so timeout should be generous; zero falls back to 3 minutes.
func NewClient(baseURL string, timeout time.Duration, logger utils.ExtendedLogger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Stream issues one model turn and returns a lazy, finite, non-restartable
// reader over the resulting events. The reader performs no persistence.
func (c *Client) Stream(ctx context.Context, req StreamRequest) (*Reader, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &StreamError{Op: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/agent/stream", bytes.NewReader(body))
	if err != nil {
		return nil, &StreamError{Op: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &StreamError{Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StreamError{Op: "connect", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	c.logger.Debugf("agent stream opened - session_id: %s, tools: %d", req.SessionID, len(req.Tools))
	return NewReader(resp.Body), nil
}

// Reader iterates over the events of a single stream. Usage:
//
//	for r.Next() {
//	    ev := r.Current()
//	}
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending []Event
	current Event
	err     error
	done    bool

	// frameBuf holds data lines of the frame being assembled. A frame is
	// dispatched on the SSE blank-line terminator; if its payload is not
	// yet parsable JSON it stays buffered and the next data lines append
	// to it, which tolerates frames split mid-object by the transport.
	frameBuf bytes.Buffer
	textBuf  strings.Builder
}

// NewReader wraps a raw SSE body. The caller owns closing via draining
// the reader to completion (the body is closed when Next returns false).
func NewReader(body io.ReadCloser) *Reader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{body: body, scanner: sc}
}

// Next advances to the next event. Returns false when the stream is
// exhausted or an error occurred.
func (r *Reader) Next() bool {
	if len(r.pending) > 0 {
		r.current = r.pending[0]
		r.pending = r.pending[1:]
		return true
	}
	if r.done {
		return false
	}

	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if evs, ok := r.dispatchFrame(); ok && len(evs) > 0 {
				r.current = evs[0]
				r.pending = evs[1:]
				return true
			}
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			if payload == "[DONE]" {
				r.finish(nil)
				return false
			}
			r.frameBuf.WriteString(payload)
		default:
			// comment or event-name line, not part of the payload
		}
	}

	if err := r.scanner.Err(); err != nil {
		r.finish(&StreamError{Op: "read", Accumulated: r.textBuf.String(), Err: err})
		return false
	}

	// EOF. A trailing complete frame without a final blank line is still
	// delivered; leftover unparsable bytes are a truncated stream.
	if evs, ok := r.dispatchFrame(); ok && len(evs) > 0 {
		r.current = evs[0]
		r.pending = evs[1:]
		r.done = true
		r.body.Close()
		return true
	}
	if r.frameBuf.Len() > 0 {
		r.finish(&StreamError{
			Op:          "parse",
			Accumulated: r.textBuf.String(),
			Err:         fmt.Errorf("stream ended with %d unparsable bytes", r.frameBuf.Len()),
		})
		return false
	}
	r.finish(nil)
	return false
}

// dispatchFrame attempts to parse the buffered frame payload. A payload
// that is not yet valid JSON is kept buffered for re-assembly.
func (r *Reader) dispatchFrame() ([]Event, bool) {
	if r.frameBuf.Len() == 0 {
		return nil, false
	}
	var f frame
	if err := json.Unmarshal(r.frameBuf.Bytes(), &f); err != nil {
		return nil, false
	}
	r.frameBuf.Reset()
	evs := f.events()
	for _, ev := range evs {
		if td, ok := ev.(TextDelta); ok {
			r.textBuf.WriteString(td.Text)
		}
	}
	return evs, true
}

func (r *Reader) finish(err error) {
	if !r.done {
		r.done = true
		r.body.Close()
	}
	if r.err == nil {
		r.err = err
	}
}

// Current returns the event produced by the last successful Next.
func (r *Reader) Current() Event {
	return r.current
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}

// AccumulatedText returns all text received so far, preserved even after
// a transport failure.
func (r *Reader) AccumulatedText() string {
	return r.textBuf.String()
}

// ReadAll drains the reader and returns the full ordered event sequence.
func (r *Reader) ReadAll() ([]Event, error) {
	var events []Event
	for r.Next() {
		events = append(events, r.Current())
	}
	return events, r.Err()
}
