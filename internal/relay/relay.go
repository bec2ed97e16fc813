// Package relay implements the directory-only message relay: it accepts
// endpoint connections, registers them, and dispatches their requests
// through a fixed action table. It never inspects or stores message
// payloads.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tenzoki/meshline/internal/directory"
	"github.com/tenzoki/meshline/internal/envelope"
	"github.com/tenzoki/meshline/internal/mux"
)

// ErrFailedAction marks an action-table failure surfaced to the caller as
// a failure response rather than a transport error.
type ErrFailedAction struct{ Detail string }

func (e *ErrFailedAction) Error() string { return "relay: action failed: " + e.Detail }

// ActionFunc implements one relay action. senderID is the requesting
// endpoint's registered id.
type ActionFunc func(ctx context.Context, data json.RawMessage, senderID string) (interface{}, error)

// Service is the relay's TCP front end: one goroutine per connection,
// a shared directory, and an action table dispatched by request payload.
type Service struct {
	addr string
	dir  *directory.Directory
	log  *logrus.Entry

	actionsMu sync.RWMutex
	actions   map[string]ActionFunc

	listenerMu sync.Mutex
	listener   net.Listener
}

// New builds a relay service listening on addr with the built-in action
// table (get_public_key, send_message).
func New(addr string, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		addr:    addr,
		dir:     directory.New(),
		log:     log.WithField("component", "relay"),
		actions: make(map[string]ActionFunc),
	}
	s.RegisterAction("get_public_key", s.getPublicKeyAction)
	s.RegisterAction("send_message", s.sendMessageAction)
	return s
}

// RegisterAction adds or replaces an entry in the action table.
func (s *Service) RegisterAction(name string, fn ActionFunc) {
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()
	s.actions[name] = fn
}

// Directory exposes the relay's directory, mainly for tests and for
// embedding additional actions that need lookups.
func (s *Service) Directory() *directory.Directory { return s.dir }

// Start opens the listener and accepts connections until ctx is
// cancelled. It blocks until the accept loop exits.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay: listen: %w", err)
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("relay listening")

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.WithError(err).Warn("relay: accept error")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
	wg.Wait()
	return nil
}

// Addr returns the bound address, valid after Start has begun listening.
func (s *Service) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Service) handleConnection(ctx context.Context, conn net.Conn) {
	m := mux.New(conn, s.log, 32)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.Run(connCtx)

	id, err := s.register(connCtx, m)
	if err != nil {
		s.log.WithError(err).Warn("relay: registration failed")
		m.Close()
		return
	}
	log := s.log.WithField("endpoint_id", id)
	log.Info("endpoint registered")
	defer func() {
		s.dir.Deregister(id)
		log.Info("endpoint deregistered")
	}()

	for req := range m.Incoming() {
		req := req
		go s.handleRequest(connCtx, m, req, id, log)
	}
}

type registerPayload = directory.Info

func (s *Service) register(ctx context.Context, m *mux.Mux) (string, error) {
	select {
	case req, ok := <-m.Incoming():
		if !ok {
			return "", fmt.Errorf("relay: connection closed before registration")
		}
		var info registerPayload
		if err := req.UnmarshalPayload(&info); err != nil {
			return "", err
		}
		if info.ID == "" {
			return "", fmt.Errorf("relay: registration missing id")
		}
		s.dir.Register(info, m)
		if err := m.ReportSuccess(req.ID, nil); err != nil {
			return "", err
		}
		return info.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(30 * time.Second):
		return "", fmt.Errorf("relay: registration timed out")
	}
}

type requestPayload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func (s *Service) handleRequest(ctx context.Context, m *mux.Mux, req *envelope.Envelope, senderID string, log *logrus.Entry) {
	var p requestPayload
	if err := req.UnmarshalPayload(&p); err != nil {
		_ = m.ReportFailure(req.ID, "malformed request")
		return
	}

	s.actionsMu.RLock()
	fn, ok := s.actions[p.Action]
	s.actionsMu.RUnlock()
	if !ok {
		_ = m.ReportFailure(req.ID, fmt.Sprintf("unknown action %q", p.Action))
		return
	}

	result, err := fn(ctx, p.Data, senderID)
	if err != nil {
		log.WithError(err).WithField("action", p.Action).Debug("action failed")
		_ = m.ReportFailure(req.ID, err.Error())
		return
	}
	if err := m.ReportSuccess(req.ID, result); err != nil {
		log.WithError(err).Debug("failed to deliver response")
	}
}

func (s *Service) getPublicKeyAction(ctx context.Context, data json.RawMessage, _ string) (interface{}, error) {
	var clientID string
	if err := json.Unmarshal(data, &clientID); err != nil {
		return nil, &ErrFailedAction{Detail: "invalid get_public_key payload"}
	}
	info, err := s.dir.GetInfoByID(ctx, clientID)
	if err != nil {
		return nil, &ErrFailedAction{Detail: err.Error()}
	}
	return info.PublicKey, nil
}

type sendMessageData struct {
	RecipientID string `json:"recipient_id"`
	Message     string `json:"message"`
}

func (s *Service) sendMessageAction(ctx context.Context, data json.RawMessage, senderID string) (interface{}, error) {
	var d sendMessageData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &ErrFailedAction{Detail: "invalid send_message payload"}
	}
	recipient, err := s.dir.GetConnectionByID(ctx, d.RecipientID)
	if err != nil {
		return nil, &ErrFailedAction{Detail: err.Error()}
	}

	payload := map[string]string{"sender_id": senderID, "message": d.Message}
	resp, err := recipient.Request(ctx, payload, 1, 0)
	if err != nil {
		return nil, &ErrFailedAction{Detail: fmt.Sprintf("message from %s was not received by %s: %v", senderID, d.RecipientID, err)}
	}
	var out interface{}
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &out); err != nil {
			return nil, &ErrFailedAction{Detail: "malformed recipient reply"}
		}
	}
	return out, nil
}
