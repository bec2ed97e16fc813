// Package endpoint implements the endpoint base shared by persons and
// banks: registration with the relay, outbound configured actions,
// inbound dispatch, and the encrypt/decrypt envelope around plaintext
// messages.
package endpoint

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tenzoki/meshline/internal/config"
	"github.com/tenzoki/meshline/internal/cryptoutil"
	"github.com/tenzoki/meshline/internal/directory"
	"github.com/tenzoki/meshline/internal/envelope"
	"github.com/tenzoki/meshline/internal/mux"
)

// Handler is the application hook invoked for every decrypted inbound
// message that is not an authentication challenge ("AUTH <token>"). A non-empty
// return value is encrypted and sent back as the response payload.
type Handler interface {
	ReceiveMessage(ctx context.Context, senderID, message string) (string, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, senderID, message string) (string, error)

func (f HandlerFunc) ReceiveMessage(ctx context.Context, senderID, message string) (string, error) {
	return f(ctx, senderID, message)
}

// Sender lets a handler initiate its own outbound messages (used by the
// bank's challenge-response authentication), independent of the
// configured outbound action list.
type Sender interface {
	SendMessage(ctx context.Context, recipientID, message string) (string, error)

	// SendMessageToKey encrypts under a caller-supplied public key instead
	// of resolving one through the relay's directory. Callers that already
	// hold a trusted public key for recipientID (e.g. the bank's own
	// permission file) must use this instead of SendMessage, since the
	// relay's directory is attacker-influenced: anyone can register under
	// any id with any keypair.
	SendMessageToKey(ctx context.Context, recipientID, message, publicKeyBody string) (string, error)
}

// SenderAware is implemented by handlers that need to issue outbound
// messages mid-handling (e.g. a bank authenticating the sender of a
// command). Base calls SetSender once its connection to the relay is up.
type SenderAware interface {
	SetSender(s Sender)
}

type muxSender struct {
	base *Base
	m    *mux.Mux
}

func (s *muxSender) SendMessage(ctx context.Context, recipientID, message string) (string, error) {
	return s.base.SendMessage(ctx, s.m, recipientID, message)
}

func (s *muxSender) SendMessageToKey(ctx context.Context, recipientID, message, publicKeyBody string) (string, error) {
	return s.base.SendMessageToKey(ctx, s.m, recipientID, message, publicKeyBody)
}

var sendActionRe = regexp.MustCompile(`^SEND \[(.*?)] (.*)$`)

// outboundAction is a parsed "SEND [recipient] message" configuration
// entry.
type outboundAction struct {
	recipientID string
	message     string
}

func parseActions(actions []string) ([]outboundAction, error) {
	out := make([]outboundAction, 0, len(actions))
	for _, a := range actions {
		m := sendActionRe.FindStringSubmatch(a)
		if m == nil {
			return nil, fmt.Errorf("endpoint: malformed action %q", a)
		}
		out = append(out, outboundAction{recipientID: m[1], message: m[2]})
	}
	return out, nil
}

// Base is the shared endpoint runtime. Person and bank endpoints are
// Handlers passed to NewBase for application-level messages.
type Base struct {
	ID        string
	firstName string
	lastName  string
	publicKey string
	priv      *rsa.PrivateKey

	cfg     config.EndpointConfig
	handler Handler
	log     *logrus.Entry
	actions []outboundAction

	keyCacheMu sync.RWMutex
	keyCache   map[string]string
}

// NewBase constructs an endpoint base from configuration. handler
// receives every decrypted inbound message that is not an
// authentication challenge.
func NewBase(cfg config.EndpointConfig, handler Handler, log *logrus.Entry) (*Base, error) {
	priv, err := cryptoutil.ImportPrivateKey(cfg.Person.Keys.Private)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	actions, err := parseActions(cfg.Actions)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Base{
		ID:        cfg.Person.ID,
		firstName: cfg.Person.FirstName(),
		lastName:  cfg.Person.LastName(),
		publicKey: cfg.Person.Keys.Public,
		priv:      priv,
		cfg:       cfg,
		handler:   handler,
		log:       log.WithField("endpoint_id", cfg.Person.ID),
		actions:   actions,
		keyCache:  make(map[string]string),
	}, nil
}

// Run connects to the relay, registers, and runs inbound dispatch and
// every configured outbound action concurrently until cfg.General.Duration
// elapses or ctx is cancelled.
func (b *Base) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.General.Duration)*time.Second)
	defer cancel()

	conn, err := net.Dial("tcp", b.cfg.Addr())
	if err != nil {
		return fmt.Errorf("endpoint: dial %s: %w", b.cfg.Addr(), err)
	}
	m := mux.New(conn, b.log, 32)
	go m.Run(ctx)

	if sa, ok := b.handler.(SenderAware); ok {
		sa.SetSender(&muxSender{base: b, m: m})
	}

	if err := b.register(ctx, m); err != nil {
		return fmt.Errorf("endpoint: registration: %w", err)
	}
	b.log.Info("registered")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.receiveLoop(ctx, m)
	}()

	for _, a := range b.actions {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.SendMessage(ctx, m, a.recipientID, a.message); err != nil {
				b.log.WithError(err).WithField("recipient", a.recipientID).Warn("outbound action failed")
			}
		}()
	}

	wg.Wait()
	return nil
}

func (b *Base) register(ctx context.Context, m *mux.Mux) error {
	info := directory.Info{ID: b.ID, FirstName: b.firstName, LastName: b.lastName, PublicKey: b.publicKey}
	if !m.Send(ctx, info, b.cfg.General.Retries, time.Duration(b.cfg.General.Timeout)*time.Second) {
		return fmt.Errorf("failed to register")
	}
	return nil
}

func (b *Base) receiveLoop(ctx context.Context, m *mux.Mux) {
	for req := range m.Incoming() {
		req := req
		go b.handleIncoming(ctx, m, req)
	}
}

type inboundPayload struct {
	SenderID string `json:"sender_id"`
	Message  string `json:"message"`
}

var authChallengeRe = regexp.MustCompile(`^AUTH (.+)$`)

func (b *Base) handleIncoming(ctx context.Context, m *mux.Mux, req *envelope.Envelope) {
	var in inboundPayload
	if err := req.UnmarshalPayload(&in); err != nil {
		_ = m.ReportFailure(req.ID, "malformed inbound payload")
		return
	}

	plaintext, err := cryptoutil.Decrypt(b.priv, in.Message)
	if err != nil {
		_ = m.ReportFailure(req.ID, "decryption failed")
		return
	}

	if match := authChallengeRe.FindStringSubmatch(plaintext); match != nil {
		b.completeAuthentication(ctx, m, req.ID, in.SenderID, match[1])
		return
	}

	reply, err := b.handler.ReceiveMessage(ctx, in.SenderID, plaintext)
	if err != nil {
		_ = m.ReportFailure(req.ID, err.Error())
		return
	}

	encrypted, err := b.encryptFor(ctx, m, in.SenderID, reply)
	if err != nil {
		_ = m.ReportFailure(req.ID, "failed to encrypt reply")
		return
	}
	_ = m.ReportSuccess(req.ID, encrypted)
}

func (b *Base) completeAuthentication(ctx context.Context, m *mux.Mux, reqID, senderID, challenge string) {
	b.log.WithField("from", senderID).Info("requested to authenticate")
	encrypted, err := b.encryptFor(ctx, m, senderID, challenge)
	if err != nil {
		_ = m.ReportFailure(reqID, "failed to encrypt auth reply")
		return
	}
	_ = m.ReportSuccess(reqID, encrypted)
	b.log.WithField("from", senderID).Info("responded to authentication request")
}

// PublicKeyOf resolves recipientID's public key via the relay, caching
// the result for the lifetime of this endpoint's run.
func (b *Base) PublicKeyOf(ctx context.Context, m *mux.Mux, recipientID string) (string, error) {
	b.keyCacheMu.RLock()
	if key, ok := b.keyCache[recipientID]; ok {
		b.keyCacheMu.RUnlock()
		return key, nil
	}
	b.keyCacheMu.RUnlock()

	raw, err := m.Action(ctx, "get_public_key", recipientID, b.cfg.General.Retries, time.Duration(b.cfg.General.Timeout)*time.Second)
	if err != nil {
		return "", err
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", fmt.Errorf("endpoint: malformed public key response: %w", err)
	}

	b.keyCacheMu.Lock()
	b.keyCache[recipientID] = key
	b.keyCacheMu.Unlock()
	return key, nil
}

func (b *Base) encryptFor(ctx context.Context, m *mux.Mux, recipientID, message string) (string, error) {
	if message == "" {
		return "", nil
	}
	keyBody, err := b.PublicKeyOf(ctx, m, recipientID)
	if err != nil {
		return "", err
	}
	pub, err := cryptoutil.ImportPublicKey(keyBody)
	if err != nil {
		return "", err
	}
	return cryptoutil.Encrypt(pub, message)
}

type sendMessageData struct {
	RecipientID string `json:"recipient_id"`
	Message     string `json:"message"`
}

// SendMessage encrypts message under recipientID's public key as resolved
// through the relay's directory, sends it through the relay's
// send_message action with the endpoint's configured retry/backoff, and
// decrypts whatever reply comes back. Only safe to use when the caller
// has no better-trusted source for recipientID's key: the relay's
// directory is attacker-influenced, since any id can be (re-)registered
// with any keypair.
func (b *Base) SendMessage(ctx context.Context, m *mux.Mux, recipientID, message string) (string, error) {
	b.log.WithField("to", recipientID).Debug("message before encryption")
	encrypted, err := b.encryptFor(ctx, m, recipientID, message)
	if err != nil {
		return "", err
	}
	return b.dispatchSend(ctx, m, recipientID, encrypted)
}

// SendMessageToKey encrypts message under the caller-supplied public key
// instead of resolving one through the relay's directory, then sends and
// decrypts exactly as SendMessage does. Use this whenever recipientID's
// key is already known from a trusted source (e.g. a bank's permission
// file), so authentication cannot be fooled by a rogue registration.
func (b *Base) SendMessageToKey(ctx context.Context, m *mux.Mux, recipientID, message, publicKeyBody string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("endpoint: message to %s must not be empty", recipientID)
	}
	pub, err := cryptoutil.ImportPublicKey(publicKeyBody)
	if err != nil {
		return "", err
	}
	encrypted, err := cryptoutil.Encrypt(pub, message)
	if err != nil {
		return "", err
	}
	return b.dispatchSend(ctx, m, recipientID, encrypted)
}

func (b *Base) dispatchSend(ctx context.Context, m *mux.Mux, recipientID, encrypted string) (string, error) {
	raw, err := m.Action(ctx, "send_message", sendMessageData{RecipientID: recipientID, Message: encrypted},
		b.cfg.General.Retries, time.Duration(b.cfg.General.Timeout)*time.Second)
	if err != nil {
		return "", err
	}

	var reply string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			return "", fmt.Errorf("endpoint: malformed reply: %w", err)
		}
	}
	b.log.WithField("to", recipientID).Info("message delivered")

	plaintext, err := cryptoutil.Decrypt(b.priv, reply)
	if err != nil {
		return "", err
	}
	return plaintext, nil
}
