// Package token implements the signed bearer tokens used for broker
// authentication and remote-command envelopes.
//
// A token is three base64url-unpadded segments joined by '.': a fixed
// header {"alg":"EdDSA"}, a JSON claim set, and an Ed25519 signature over
// "header.payload". The signing key is the node's 64-byte private key; the
// verification key for inbound envelopes is the 32-byte public key asserted
// in the payload's publicKey claim.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims is a token's JSON claim set.
type Claims map[string]interface{}

var (
	ErrMalformed    = errors.New("malformed token")
	ErrBadSignature = errors.New("invalid token signature")
	ErrKeyMismatch  = errors.New("token public key mismatch")
)

var headerSegment = b64(mustJSON(map[string]string{"alg": "EdDSA"}))

// Create mints a signed token for the given key pair. The extra claims are
// merged with the standard publicKey, iat, and exp claims; expiry is relative
// to the current time.
func Create(publicKeyHex, privateKeyHex string, expiry time.Duration, extra Claims) (string, error) {
	priv, err := decodePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}

	pub := strings.ToUpper(publicKeyHex)
	derived := strings.ToUpper(hex.EncodeToString(priv.Public().(ed25519.PublicKey)))
	if pub != derived {
		return "", fmt.Errorf("%w: private key does not match public key", ErrKeyMismatch)
	}

	now := time.Now().Unix()
	claims := Claims{
		"publicKey": pub,
		"iat":       now,
		"exp":       now + int64(expiry.Seconds()),
	}
	for k, v := range extra {
		claims[k] = v
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := headerSegment + "." + b64(payload)
	sig := ed25519.Sign(priv, []byte(signingInput))
	return signingInput + "." + b64(sig), nil
}

// Verify checks the token's signature against expectedPublicKeyHex and that
// the payload asserts the same key. It returns the claim set on success.
func Verify(tok, expectedPublicKeyHex string) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}

	header, err := unb64(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(header, &hdr); err != nil || hdr.Alg != "EdDSA" {
		return nil, fmt.Errorf("%w: unsupported header", ErrMalformed)
	}

	claims, err := DecodePayload(tok)
	if err != nil {
		return nil, err
	}

	expected := strings.ToUpper(expectedPublicKeyHex)
	asserted, _ := claims["publicKey"].(string)
	if strings.ToUpper(asserted) != expected {
		return nil, ErrKeyMismatch
	}

	pubBytes, err := hex.DecodeString(expected)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad verification key", ErrMalformed)
	}

	sig, err := unb64(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}

	signingInput := parts[0] + "." + parts[1]
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), []byte(signingInput), sig) {
		return nil, ErrBadSignature
	}

	return claims, nil
}

// DecodePayload extracts the claim set without verifying the signature.
// Callers use this to discover which key a token asserts before deciding
// whether that key is even worth a signature check.
func DecodePayload(tok string) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}
	payload, err := unb64(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	claims := Claims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return claims, nil
}

// ExpiresAt returns the exp claim as a Unix timestamp, or 0 when absent.
func (c Claims) ExpiresAt() int64 {
	return c.int64Claim("exp")
}

// String returns the named claim as a string, or "" when absent or not a
// string.
func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

// Bool returns the named claim as a bool.
func (c Claims) Bool(name string) bool {
	b, _ := c[name].(bool)
	return b
}

func (c Claims) int64Claim(name string) int64 {
	switch v := c[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func decodePrivateKey(privateKeyHex string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key wrong length: %d bytes (expected %d)", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func unb64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
