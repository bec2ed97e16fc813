// Package bank implements the bank endpoint: challenge-response
// authentication of command senders, command parsing, permission-model
// authorization, and ledger mutation.
package bank

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/tenzoki/meshline/internal/config"
	"github.com/tenzoki/meshline/internal/endpoint"
	"github.com/tenzoki/meshline/internal/ledger"
)

// authTokenBytes is the entropy of the challenge token; base64 encoding
// expands it, but the raw byte count is what bounds guessability.
const authTokenBytes = 64

var (
	addRe = regexp.MustCompile(`^ADD \[(.+?)] \[(.+?)] \[(\d+)]$`)
	subRe = regexp.MustCompile(`^SUB \[(.+?)] \[(\d+)]$`)
)

// ErrAuthFailed names a failed challenge-response authentication. No
// function in this package returns it: Authenticate reports a mismatch
// as (false, nil), and ReceiveMessage then replies "Authentication failed!".
var ErrAuthFailed = fmt.Errorf("authentication failed")

// ErrUnauthorized is returned when the sender lacks permission for the
// requested operation on the target account.
type ErrUnauthorized struct{ Detail string }

func (e *ErrUnauthorized) Error() string { return e.Detail }

// Bank is the command-processing handler plugged into endpoint.Base.
type Bank struct {
	log    *logrus.Entry
	perms  *config.Permissions
	ledger *ledger.Ledger
	sender endpoint.Sender
}

// New constructs a Bank handler. perms and the ledger are loaded by the
// caller from the bank's configuration.
func New(perms *config.Permissions, l *ledger.Ledger, log *logrus.Entry) *Bank {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bank{log: log, perms: perms, ledger: l}
}

// SetSender implements endpoint.SenderAware.
func (b *Bank) SetSender(s endpoint.Sender) { b.sender = s }

// Authenticate challenges personID with a random token and verifies the
// encrypted reply matches. The challenge is always encrypted under the
// public key on file in the bank's own permission file, never a key
// resolved through the relay's directory: the relay accepts
// registrations from anyone under any id, so a rogue could otherwise
// register under personID with its own keypair and trivially pass the
// challenge meant for the real personID.
func (b *Bank) Authenticate(ctx context.Context, personID string) (bool, error) {
	person, ok := b.perms.Persons[personID]
	if !ok || person.PublicKey == "" {
		b.log.WithField("person", personID).Warn("no trusted public key on file, refusing to authenticate")
		return false, nil
	}

	b.log.WithField("person", personID).Info("requesting authentication")
	token, err := randomToken()
	if err != nil {
		return false, err
	}
	reply, err := b.sender.SendMessageToKey(ctx, personID, "AUTH "+token, person.PublicKey)
	if err != nil {
		return false, err
	}
	matched := reply == token
	if matched {
		b.log.WithField("person", personID).Info("authenticated")
	} else {
		b.log.WithField("person", personID).Warn("invalid secret received")
	}
	return matched, nil
}

func randomToken() (string, error) {
	buf := make([]byte, authTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("bank: generate token: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}

// ReceiveMessage implements endpoint.Handler: it authenticates the
// sender, parses the command, authorizes it, and applies it to the
// ledger.
func (b *Bank) ReceiveMessage(ctx context.Context, senderID, message string) (string, error) {
	b.log.WithField("from", senderID).Infof("received message: %s", message)

	authenticated, err := b.Authenticate(ctx, senderID)
	if err != nil {
		return "", err
	}
	if !authenticated {
		return "Authentication failed!", nil
	}

	if m := addRe.FindStringSubmatch(message); m != nil {
		return b.handleAdd(ctx, senderID, m[1], m[2], m[3])
	}
	if m := subRe.FindStringSubmatch(message); m != nil {
		return b.handleSub(ctx, senderID, m[1], m[2])
	}

	b.log.WithField("command", message).Warn("unrecognized command, ignoring")
	return "", nil
}

func (b *Bank) handleAdd(ctx context.Context, senderID, from, to, amountStr string) (string, error) {
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bank: invalid amount %q", amountStr)
	}
	if err := b.authorize(senderID, from, "ADD"); err != nil {
		b.log.WithField("from", senderID).WithField("account", from).Warn(err.Error())
		return "", err
	}
	if err := b.ledger.Transfer(ctx, from, to, amount); err != nil {
		b.log.WithError(err).Warn("transfer failed")
		return "", err
	}
	b.log.WithFields(logrus.Fields{"from": from, "to": to, "amount": amount}).Info("transfer authorized and applied")
	return "", nil
}

func (b *Bank) handleSub(ctx context.Context, senderID, account, amountStr string) (string, error) {
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bank: invalid amount %q", amountStr)
	}
	if err := b.authorize(senderID, account, "SUB"); err != nil {
		b.log.WithField("from", senderID).WithField("account", account).Warn(err.Error())
		return "", err
	}
	if err := b.ledger.Withdraw(ctx, account, amount); err != nil {
		b.log.WithError(err).Warn("withdrawal failed")
		return "", err
	}
	b.log.WithFields(logrus.Fields{"account": account, "amount": amount}).Info("withdrawal authorized and applied")
	return "", nil
}

// authorize grants access to account for senderID performing operation
// ("ADD" or "SUB"): implicitly granted for the sender's own personal
// account, otherwise only when account belongs to an organization that
// employs senderID with that permission.
func (b *Bank) authorize(senderID, account, operation string) error {
	if person, ok := b.perms.Persons[senderID]; ok && person.Account == account {
		return nil
	}

	for orgID, org := range b.perms.Organizations {
		if org.Account != account {
			continue
		}
		employee, ok := org.Employees[senderID]
		if !ok {
			return &ErrUnauthorized{Detail: fmt.Sprintf("Unauthorized %s operation: %s is not employed by %s", operation, senderID, orgID)}
		}
		for _, p := range employee.Permissions {
			if p == operation {
				return nil
			}
		}
		return &ErrUnauthorized{Detail: fmt.Sprintf("Unauthorized %s operation: %s lacks %s permission at %s", operation, senderID, operation, orgID)}
	}

	return &ErrUnauthorized{Detail: fmt.Sprintf("Unauthorized %s operation: account %s is not %s's personal account and belongs to no known organization", operation, account, senderID)}
}
