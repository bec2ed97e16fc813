package bank

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/meshline/internal/config"
	"github.com/tenzoki/meshline/internal/ledger"
)

// fakeSender stands in for the real relay-backed Sender. It records the
// public key each SendMessageToKey call used, so tests can assert
// authentication never falls back to a relay-resolved key.
type fakeSender struct {
	reply     func(ctx context.Context, recipientID, message string) (string, error)
	usedKeys  []string
	relayHits int
}

func (f *fakeSender) SendMessage(ctx context.Context, recipientID, message string) (string, error) {
	f.relayHits++
	return f.reply(ctx, recipientID, message)
}

func (f *fakeSender) SendMessageToKey(ctx context.Context, recipientID, message, publicKeyBody string) (string, error) {
	f.usedKeys = append(f.usedKeys, publicKeyBody)
	return f.reply(ctx, recipientID, message)
}

const (
	p1PublicKey = "p1-trusted-key"
	p2PublicKey = "p2-trusted-key"
)

func newTestBank(t *testing.T) (*Bank, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "accounts.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	perms := &config.Permissions{
		Persons: map[string]config.PersonAccount{
			"P1": {Account: "1000", PublicKey: p1PublicKey},
			"P2": {PublicKey: p2PublicKey},
		},
		Organizations: map[string]config.Organization{
			"ORG1": {
				Account: "2000",
				Employees: map[string]config.Employee{
					"P2": {Permissions: []string{"ADD"}},
				},
			},
		},
	}
	return New(perms, l, nil), l
}

func TestAuthorizePersonalAccountImplicit(t *testing.T) {
	b, _ := newTestBank(t)
	assert.NoError(t, b.authorize("P1", "1000", "ADD"))
	assert.NoError(t, b.authorize("P1", "1000", "SUB"))
}

func TestAuthorizeOrgEmployeeWithPermission(t *testing.T) {
	b, _ := newTestBank(t)
	assert.NoError(t, b.authorize("P2", "2000", "ADD"))
}

func TestAuthorizeOrgEmployeeWithoutPermission(t *testing.T) {
	b, _ := newTestBank(t)
	err := b.authorize("P2", "2000", "SUB")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized SUB operation")
}

func TestAuthorizeUnknownAccountDenied(t *testing.T) {
	b, _ := newTestBank(t)
	err := b.authorize("P1", "3000", "ADD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized ADD operation")
}

func TestCommandRegexes(t *testing.T) {
	m := addRe.FindStringSubmatch("ADD [1000] [2000] [150]")
	require.NotNil(t, m)
	assert.Equal(t, []string{"ADD [1000] [2000] [150]", "1000", "2000", "150"}, m)

	m2 := subRe.FindStringSubmatch("SUB [1000] [10]")
	require.NotNil(t, m2)
	assert.Equal(t, []string{"SUB [1000] [10]", "1000", "10"}, m2)
}

func TestReceiveMessageAuthorizedTransfer(t *testing.T) {
	b, l := newTestBank(t)
	require.NoError(t, l.Credit(context.Background(), "1000", 500))

	b.SetSender(&fakeSender{reply: func(ctx context.Context, recipientID, message string) (string, error) {
		// Echo the token back, as a correctly-authenticating person would.
		return message[len("AUTH "):], nil
	}})

	_, err := b.ReceiveMessage(context.Background(), "P1", "ADD [1000] [2000] [150]")
	require.NoError(t, err)

	bal1, err := l.Balance(context.Background(), "1000")
	require.NoError(t, err)
	bal2, err := l.Balance(context.Background(), "2000")
	require.NoError(t, err)
	assert.Equal(t, int64(350), bal1)
	assert.Equal(t, int64(150), bal2)
}

func TestReceiveMessageAuthenticationFailure(t *testing.T) {
	b, l := newTestBank(t)
	require.NoError(t, l.Credit(context.Background(), "1000", 500))

	b.SetSender(&fakeSender{reply: func(ctx context.Context, recipientID, message string) (string, error) {
		return "wrong-token", nil
	}})

	reply, err := b.ReceiveMessage(context.Background(), "P1", "SUB [1000] [10]")
	require.NoError(t, err)
	assert.Equal(t, "Authentication failed!", reply)

	bal, err := l.Balance(context.Background(), "1000")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal, "ledger must be untouched on auth failure")
}

func TestAuthenticateUsesTrustedKeyNeverRelay(t *testing.T) {
	b, _ := newTestBank(t)
	sender := &fakeSender{reply: func(ctx context.Context, recipientID, message string) (string, error) {
		return message[len("AUTH "):], nil
	}}
	b.SetSender(sender)

	ok, err := b.Authenticate(context.Background(), "P1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, sender.usedKeys, 1)
	assert.Equal(t, p1PublicKey, sender.usedKeys[0])
	assert.Zero(t, sender.relayHits, "authentication must never resolve a key through the relay")
}

// TestAuthenticateRefusesRogueWithoutTrustedKey covers the impersonation
// scenario: a rogue has registered under some id with no entry (and
// therefore no public key) in the bank's permission file. The bank must
// refuse to authenticate rather than asking the relay which key to use,
// since the relay would happily hand back the rogue's own key.
func TestAuthenticateRefusesRogueWithoutTrustedKey(t *testing.T) {
	b, _ := newTestBank(t)
	sender := &fakeSender{reply: func(ctx context.Context, recipientID, message string) (string, error) {
		t.Fatal("must not contact an id with no trusted key on file")
		return "", nil
	}}
	b.SetSender(sender)

	ok, err := b.Authenticate(context.Background(), "ROGUE")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, sender.relayHits)
	assert.Empty(t, sender.usedKeys)
}

func TestReceiveMessageUnauthorizedTransferLeavesBalancesUnchanged(t *testing.T) {
	b, l := newTestBank(t)
	require.NoError(t, l.Credit(context.Background(), "3000", 1000))

	b.SetSender(&fakeSender{reply: func(ctx context.Context, recipientID, message string) (string, error) {
		return message[len("AUTH "):], nil
	}})

	_, err := b.ReceiveMessage(context.Background(), "P1", "ADD [3000] [2000] [10]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized ADD operation")

	bal, err := l.Balance(context.Background(), "3000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal)
}
