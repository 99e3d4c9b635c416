package ingestion

import (
	"strings"

	"github.com/yoockh/cogload/internal/utils"
	"github.com/yoockh/cogload/internal/wire"
)

// Credentials are what a device presents on connect, either as headers or
// in a first auth frame.
type Credentials struct {
	APIKey      string
	UserID      string
	SessionID   string
	Encoding    string
	Compression string
}

func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.UserID == ""
}

// CredentialsFromEnvelope reads an auth frame.
func CredentialsFromEnvelope(e *wire.Envelope) Credentials {
	return Credentials{
		APIKey:      e.APIKey,
		UserID:      e.UserID,
		SessionID:   e.SessionID,
		Encoding:    e.Encoding,
		Compression: e.Compression,
	}
}

type Authenticator interface {
	Authenticate(apiKey, userID string) error
}

// KeyAuthenticator accepts a shared key, or a per-user key when one is
// configured for that user. Keys may be bcrypt hashes or plain values.
type KeyAuthenticator struct {
	shared  string
	perUser map[string]string
}

func NewKeyAuthenticator(shared string, perUser map[string]string) *KeyAuthenticator {
	return &KeyAuthenticator{shared: shared, perUser: perUser}
}

func (a *KeyAuthenticator) Authenticate(apiKey, userID string) error {
	const op = "KeyAuthenticator.Authenticate"

	userID = strings.TrimSpace(userID)
	if userID == "" || apiKey == "" {
		return utils.E(utils.CodeUnauthorized, op, "api key and user id required", nil)
	}
	expected := a.shared
	if k, ok := a.perUser[userID]; ok {
		expected = k
	}
	if !utils.MatchAPIKey(expected, apiKey) {
		return utils.E(utils.CodeUnauthorized, op, "invalid api key", nil)
	}
	return nil
}
