package hatchery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// EventStream reads a trial's Server-Sent Events stream. It is not safe for
// concurrent use.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// StreamEvents opens the event stream of a trial. The first event is always a
// status snapshot; the stream ends after a complete or error event, at which
// point Next returns io.EOF. Cancel ctx or call Close to stop early.
func (c *Client) StreamEvents(ctx context.Context, id uuid.UUID) (*EventStream, error) {
	path := "/trials/" + id.String() + "/events"
	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.stream.Do(req)
		if err != nil {
			return nil, fmt.Errorf("hatchery: GET %s: %w", path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			c.tokenMgr.invalidate()
			continue
		}
		if resp.StatusCode >= 400 {
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)
			return nil, parseErrorResponse(resp.StatusCode, body)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		return &EventStream{body: resp.Body, scanner: scanner}, nil
	}
}

// Next blocks until the next event arrives. Keepalive comments are skipped.
func (s *EventStream) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	var data strings.Builder
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return Event{}, fmt.Errorf("hatchery: decode event: %w", err)
			}
			if ev.Type == EventComplete || ev.Type == EventError {
				s.done = true
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// id and event lines are redundant with the JSON body.
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("hatchery: read event stream: %w", err)
	}
	return Event{}, io.EOF
}

// Close releases the underlying connection.
func (s *EventStream) Close() error {
	return s.body.Close()
}

// Trial decodes the payload of a status or complete event.
func (e Event) Trial() (Trial, error) {
	var t Trial
	err := json.Unmarshal(e.Payload, &t)
	return t, err
}

// Update decodes the payload of an update event.
func (e Event) Update() (UpdatePayload, error) {
	var p UpdatePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// Failure decodes the payload of an error event.
func (e Event) Failure() (ErrorPayload, error) {
	var p ErrorPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
