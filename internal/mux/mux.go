// Package mux multiplexes request/response RPC pairs, correlated by id,
// over a single bidirectional byte stream shared with a concurrent stream
// of unsolicited incoming requests.
//
// A single goroutine (Run) owns the read side of the connection. Frames
// are newline-delimited JSON so that one malformed frame can be logged
// and skipped without desynchronizing the stream. Response frames are
// matched against a pending-request table and delivered to the waiting
// caller; request frames are handed to Incoming for the owner to dispatch.
//
// Whoever drains Incoming MUST spawn a new goroutine per envelope before
// pulling the next one — Run's read loop blocks on nothing but the wire
// and the Incoming channel, so a slow or blocking handler only backs up
// the channel, but a handler that itself issues a nested Request and
// waits inline, without handing off, can deadlock the connection.
package mux

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/tenzoki/meshline/internal/envelope"
)

// maxFrameBytes caps a single line: a longer frame closes the connection
// with an ErrProtocol. The length is checked after the whole line has
// been read, so it does not bound the memory used while reading it.
const maxFrameBytes = 8 << 20

// FailedRequest is returned by Request when all transport attempts are
// exhausted, or immediately when the peer reports an applicative failure.
type FailedRequest struct {
	// Applicative is true when the peer replied success=false; in that
	// case Payload carries the advisory failure payload and Err is nil.
	Applicative bool
	Payload     json.RawMessage
	Attempts    int
	Err         error
}

func (f *FailedRequest) Error() string {
	if f.Applicative {
		return fmt.Sprintf("request failed: peer reported failure: %s", string(f.Payload))
	}
	return fmt.Sprintf("request failed after %d attempt(s): %v", f.Attempts, f.Err)
}

func (f *FailedRequest) Unwrap() error { return f.Err }

// ErrProtocol indicates the connection received a structurally invalid
// sequence (a response to an unknown id) and must be abandoned.
type ErrProtocol struct{ Detail string }

func (e *ErrProtocol) Error() string { return "mux: protocol error: " + e.Detail }

type pendingEntry struct {
	ch chan *envelope.Envelope
}

// Mux wraps a net.Conn with request/response correlation.
type Mux struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	writer  *bufio.Writer

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	incoming chan *envelope.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	log *logrus.Entry
}

// New wraps conn. incomingBuf sizes the Incoming channel's buffer.
func New(conn net.Conn, log *logrus.Entry, incomingBuf int) *Mux {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if incomingBuf <= 0 {
		incomingBuf = 16
	}
	return &Mux{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, 64<<10),
		writer:   bufio.NewWriterSize(conn, 64<<10),
		pending:  make(map[string]*pendingEntry),
		incoming: make(chan *envelope.Envelope, incomingBuf),
		closed:   make(chan struct{}),
		log:      log,
	}
}

// Incoming yields unsolicited request envelopes from the peer. The
// channel closes when the connection is torn down.
func (m *Mux) Incoming() <-chan *envelope.Envelope { return m.incoming }

// Done reports the connection's teardown; Err() after it fires returns
// the reason (nil for a clean peer-initiated close).
func (m *Mux) Done() <-chan struct{} { return m.closed }

// Err returns the reason the connection closed, valid after Done fires.
func (m *Mux) Err() error { return m.closeErr }

// Run owns the read side of conn until it closes or ctx is cancelled. It
// must be started in its own goroutine; it returns once the stream ends.
func (m *Mux) Run(ctx context.Context) {
	defer m.shutdown(nil)

	go func() {
		select {
		case <-ctx.Done():
			m.conn.Close()
		case <-m.closed:
		}
	}()

	for {
		line, err := m.reader.ReadBytes('\n')
		if len(line) > maxFrameBytes {
			m.shutdown(&ErrProtocol{Detail: "frame exceeds maximum size"})
			return
		}
		if len(line) > 0 {
			if perr := m.handleLine(line); perr != nil {
				m.shutdown(perr)
				return
			}
		}
		if err != nil {
			m.shutdown(nil)
			return
		}
	}
}

func (m *Mux) handleLine(line []byte) error {
	trimmed := trimNewline(line)
	if len(trimmed) == 0 {
		return nil
	}

	env, err := envelope.FromJSON(trimmed)
	if err != nil {
		m.log.WithError(err).Warn("mux: malformed frame, skipping")
		return nil
	}
	if err := env.Validate(); err != nil {
		m.log.WithError(err).Warn("mux: invalid envelope, skipping")
		return nil
	}

	if env.Type == envelope.Response {
		m.pendingMu.Lock()
		entry, ok := m.pending[env.ID]
		if ok {
			delete(m.pending, env.ID)
		}
		m.pendingMu.Unlock()
		if !ok {
			return &ErrProtocol{Detail: "response to unknown request id " + env.ID}
		}
		select {
		case entry.ch <- env:
		default:
			m.log.WithField("id", env.ID).Warn("mux: dropping duplicate response")
		}
		return nil
	}

	select {
	case m.incoming <- env:
	case <-m.closed:
	}
	return nil
}

func (m *Mux) shutdown(reason error) {
	m.closeOnce.Do(func() {
		m.closeErr = reason
		m.conn.Close()
		close(m.closed)
		close(m.incoming)
	})
}

// Close tears down the connection from the owner's side.
func (m *Mux) Close() error {
	m.shutdown(nil)
	return nil
}

func (m *Mux) writeEnvelope(env *envelope.Envelope) error {
	line, err := env.ToJSON()
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.writer.Write(line); err != nil {
		return fmt.Errorf("mux: write: %w", err)
	}
	if err := m.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("mux: write: %w", err)
	}
	if err := m.writer.Flush(); err != nil {
		return fmt.Errorf("mux: flush: %w", err)
	}
	return nil
}

// Request issues payload as a request and waits for the correlated
// response. Transport-level failures are retried up to maxTries times
// with backoff between attempts; an applicative success=false response
// fails immediately without retry.
func (m *Mux) Request(ctx context.Context, payload interface{}, maxTries int, backoffInterval time.Duration) (json.RawMessage, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	bo := &backoff.Backoff{Min: backoffInterval, Max: backoffInterval, Factor: 1, Jitter: false}

	var lastErr error
	for attempt := 0; attempt < maxTries; attempt++ {
		payloadResp, err := m.doRequest(ctx, payload)
		if err == nil {
			return payloadResp, nil
		}
		if failed, ok := err.(*FailedRequest); ok && failed.Applicative {
			return nil, err
		}
		lastErr = err
		if attempt < maxTries-1 {
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-m.closed:
				return nil, &FailedRequest{Attempts: attempt + 1, Err: m.closeErr}
			}
		}
	}
	return nil, &FailedRequest{Attempts: maxTries, Err: lastErr}
}

func (m *Mux) doRequest(ctx context.Context, payload interface{}) (json.RawMessage, error) {
	req, err := envelope.NewRequest(payload)
	if err != nil {
		return nil, err
	}

	entry := &pendingEntry{ch: make(chan *envelope.Envelope, 1)}
	m.pendingMu.Lock()
	m.pending[req.ID] = entry
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, req.ID)
		m.pendingMu.Unlock()
	}()

	if err := m.writeEnvelope(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-entry.ch:
		if !resp.Success {
			return nil, &FailedRequest{Applicative: true, Payload: resp.Payload}
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, fmt.Errorf("mux: connection closed: %w", m.closeErr)
	}
}

// Send is a convenience wrapper over Request reporting only success.
func (m *Mux) Send(ctx context.Context, payload interface{}, maxTries int, backoffInterval time.Duration) bool {
	_, err := m.Request(ctx, payload, maxTries, backoffInterval)
	return err == nil
}

// actionPayload is the shape the relay's action table expects.
type actionPayload struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data"`
}

// Action issues a named relay action with its data payload.
func (m *Mux) Action(ctx context.Context, name string, data interface{}, maxTries int, backoffInterval time.Duration) (json.RawMessage, error) {
	return m.Request(ctx, actionPayload{Action: name, Data: data}, maxTries, backoffInterval)
}

// ReportSuccess replies to request id with a success response.
func (m *Mux) ReportSuccess(id string, payload interface{}) error {
	resp, err := envelope.NewResponse(id, true, payload)
	if err != nil {
		return err
	}
	return m.writeEnvelope(resp)
}

// ReportFailure replies to request id with a failure response.
func (m *Mux) ReportFailure(id string, payload interface{}) error {
	resp, err := envelope.NewResponse(id, false, payload)
	if err != nil {
		return err
	}
	return m.writeEnvelope(resp)
}

func trimNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}
