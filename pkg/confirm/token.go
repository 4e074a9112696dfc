// Package confirm issues and verifies the HMAC-signed confirmation tokens
// required before a critical plan may be applied.
package confirm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// DefaultSecret is the development sentinel. Production startup must refuse
// to run with it; see Service.GuardProduction.
const DefaultSecret = "appwarden-dev-secret"

// VerifyResult is the outcome of a token verification.
type VerifyResult string

const (
	ResultOK       VerifyResult = "ok"
	ResultInvalid  VerifyResult = "invalid"
	ResultExpired  VerifyResult = "expired"
	ResultMismatch VerifyResult = "mismatch"
)

// ErrDefaultSecretInProduction is returned by GuardProduction when the
// process secret was never changed from the sentinel.
var ErrDefaultSecretInProduction = errors.New("confirm: default confirmation secret is not allowed in production")

// payload is the signed token body. exp is unix seconds.
type payload struct {
	PlanHash string `json:"plan_hash"`
	Exp      int64  `json:"exp"`
}

// Service signs and verifies plan-bound confirmation tokens. The HMAC key
// is derived from the process secret with HKDF-SHA256 so the raw secret is
// never used directly as key material.
type Service struct {
	key    []byte
	secret string
}

// NewService derives the signing key from secret. An empty secret falls
// back to the development sentinel.
func NewService(secret string) (*Service, error) {
	if secret == "" {
		secret = DefaultSecret
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("appwarden/confirmation-token/v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("confirm: key derivation failed: %w", err)
	}
	return &Service{key: key, secret: secret}, nil
}

// GuardProduction rejects the default sentinel secret outside development.
func (s *Service) GuardProduction(environment string) error {
	if environment == "production" && s.secret == DefaultSecret {
		return ErrDefaultSecretInProduction
	}
	return nil
}

// Issue emits b64url(payload) "." b64url(HMAC-SHA256(key, b64url(payload))).
func (s *Service) Issue(planHash string, expiryUnix int64) (string, error) {
	body, err := json.Marshal(payload{PlanHash: planHash, Exp: expiryUnix})
	if err != nil {
		return "", fmt.Errorf("confirm: payload marshal failed: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + s.tag(encoded), nil
}

// Verify checks a token against the expected plan hash at the given time.
// Check order is fixed: structure/signature first (invalid), then plan-hash
// binding (mismatch), then expiry (expired).
func (s *Service) Verify(token, expectedPlanHash string, nowUnix int64) VerifyResult {
	encoded, tag, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || tag == "" {
		return ResultInvalid
	}
	if !hmac.Equal([]byte(s.tag(encoded)), []byte(tag)) {
		return ResultInvalid
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ResultInvalid
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return ResultInvalid
	}
	if p.PlanHash != expectedPlanHash {
		return ResultMismatch
	}
	if nowUnix >= p.Exp {
		return ResultExpired
	}
	return ResultOK
}

func (s *Service) tag(encodedPayload string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
