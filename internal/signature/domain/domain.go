// Package domain contains the gateway signature-verification contract.
package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrUnknownAccessKey  = errors.New("unknown_access_key")
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrClockSkewExceeded = errors.New("clock_skew_exceeded")
	ErrReplayedNonce     = errors.New("replayed_nonce")
)

// CredentialStatus marks whether an access key may authenticate.
type CredentialStatus string

const (
	CredentialStatusActive   CredentialStatus = "active"
	CredentialStatusDisabled CredentialStatus = "disabled"
)

// Credential is one account's shared-secret key pair.
type Credential struct {
	ID        snowflake.ID     `gorm:"primaryKey"`
	AccountID snowflake.ID     `gorm:"not null;index"`
	AccessKey string           `gorm:"type:text;not null;uniqueIndex"`
	SecretKey string           `gorm:"type:text;not null"`
	Status    CredentialStatus `gorm:"type:text;not null"`
	CreatedAt time.Time        `gorm:"not null"`
	UpdatedAt time.Time        `gorm:"not null"`
}

// TableName sets the database table name.
func (Credential) TableName() string { return "api_credentials" }

// SignedRequest is the ephemeral view of one inbound request's signature
// material. It is never persisted.
type SignedRequest struct {
	AccessKey string
	Nonce     string
	Timestamp int64
	Signature string
	Body      string
}

// Verifier authenticates signed gateway requests. On success it returns the
// matched credential so downstream handlers know the calling account.
type Verifier interface {
	Verify(ctx context.Context, req SignedRequest) (*Credential, error)
}

// NonceStore remembers (accessKey, nonce) pairs for the replay window.
// Remember reports false when the pair was already seen.
type NonceStore interface {
	Remember(ctx context.Context, accessKey, nonce string) (bool, error)
}

// Sign computes the request signature: hex(SHA-256(body || "." || secret)).
func Sign(body, secret string) string {
	sum := sha256.Sum256([]byte(body + "." + secret))
	return hex.EncodeToString(sum[:])
}
