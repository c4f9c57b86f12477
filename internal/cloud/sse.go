package cloud

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
)

const defaultEventType = "message"

// Event is one dispatched server-sent event.
type Event struct {
	Type string
	Data string
	ID   string
}

// Stream decodes a text/event-stream body one event at a time.
// Next must not be called concurrently; Close may be called from any
// goroutine and unblocks a pending Next.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader

	lastID string

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewStream wraps an event-stream body.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{
		body:   body,
		reader: bufio.NewReader(body),
		closed: make(chan struct{}),
	}
}

// Next blocks until a complete event is decoded. It returns io.EOF when the
// server ends the stream; a partially received event is discarded.
// After Close, Next returns ErrStreamClosed.
func (s *Stream) Next() (Event, error) {
	var (
		eventType string
		data      strings.Builder
		hasData   bool
	)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if s.isClosed() {
				return Event{}, ErrStreamClosed
			}
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				eventType = ""
				continue
			}
			if eventType == "" {
				eventType = defaultEventType
			}
			return Event{Type: eventType, Data: data.String(), ID: s.lastID}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			eventType = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		}
	}
}

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Close releases the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
