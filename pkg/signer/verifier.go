// Package signer mints and checks self-contained, expiring capability tokens
// and renders the URLs that carry them.
//
// A token is base64url(CBOR envelope) + "." + base64url(HMAC-SHA256). The
// envelope holds the claims, the expiry and the purpose the token was minted
// for, so a server can verify it without any shared store.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// Purpose scopes a token to a single capability.
type Purpose string

const (
	// PurposeBlobKey grants retrieval of a blob.
	PurposeBlobKey Purpose = "blob_key"
	// PurposeBlobToken grants a direct upload of a blob.
	PurposeBlobToken Purpose = "blob_token"
)

// MinSecretLen is the shortest accepted signing secret.
const MinSecretLen = 16

var (
	ErrInvalidToken = errors.New("signer: invalid token")
	ErrExpired      = errors.New("signer: token expired")
	ErrPurpose      = errors.New("signer: purpose mismatch")
)

// Claims is the payload carried by a token.
type Claims struct {
	Key           string `cbor:"1,keyasint"`
	Disposition   string `cbor:"2,keyasint,omitempty"`
	ContentType   string `cbor:"3,keyasint,omitempty"`
	ContentLength int64  `cbor:"4,keyasint,omitempty"`
	Checksum      string `cbor:"5,keyasint,omitempty"`
}

type envelope struct {
	Claims    Claims  `cbor:"1,keyasint"`
	ExpiresAt int64   `cbor:"2,keyasint"` // unix milliseconds
	Purpose   Purpose `cbor:"3,keyasint"`
}

const separator = "."

// Verifier signs and verifies tokens with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier returns a Verifier keyed by secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) < MinSecretLen {
		return nil, xerrors.E(xerrors.KindNotConfigured, "signer", "signing_secret")
	}
	return &Verifier{secret: append([]byte(nil), secret...), now: time.Now}, nil
}

// Generate mints a token for claims valid for expiresIn.
func (v *Verifier) Generate(claims Claims, expiresIn time.Duration, purpose Purpose) (string, error) {
	if expiresIn <= 0 {
		return "", xerrors.E(xerrors.KindInvalid, "signer.generate", "expires_in")
	}
	env := envelope{
		Claims:    claims,
		ExpiresAt: v.now().Add(expiresIn).UnixMilli(),
		Purpose:   purpose,
	}
	payload, err := cbor.Marshal(env)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "signer.generate", "", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + separator + v.sign(encoded), nil
}

// Verify checks token's signature, purpose and expiry and returns its claims.
func (v *Verifier) Verify(token string, purpose Purpose) (Claims, error) {
	env, err := v.decode(token)
	if err != nil {
		return Claims{}, err
	}
	if env.Purpose != purpose {
		return Claims{}, xerrors.Wrap(xerrors.KindPermission, "signer.verify", string(purpose), ErrPurpose)
	}
	if !v.now().Before(time.UnixMilli(env.ExpiresAt)) {
		return Claims{}, xerrors.Wrap(xerrors.KindPermission, "signer.verify", "", ErrExpired)
	}
	return env.Claims, nil
}

// ExpiresAt returns the expiry embedded in an authentic token.
func (v *Verifier) ExpiresAt(token string) (time.Time, error) {
	env, err := v.decode(token)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(env.ExpiresAt), nil
}

func (v *Verifier) decode(token string) (envelope, error) {
	invalid := xerrors.Wrap(xerrors.KindPermission, "signer.verify", "", ErrInvalidToken)
	encoded, mac, ok := strings.Cut(token, separator)
	if !ok || encoded == "" || mac == "" {
		return envelope{}, invalid
	}
	if !hmac.Equal([]byte(mac), []byte(v.sign(encoded))) {
		return envelope{}, invalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return envelope{}, invalid
	}
	var env envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return envelope{}, invalid
	}
	return env, nil
}

func (v *Verifier) sign(encoded string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
