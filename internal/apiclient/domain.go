package apiclient

import (
	"errors"
	"time"
)

// ApiClient is an external application registered with the association.
// Its HMAC key signs the third-party auth handshake and the profile
// delivery; its API keys authenticate machine-to-machine calls.
type ApiClient struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	OwnerID     int64     `json:"owner_id"`
	HMACKey     []byte    `json:"-"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ApiKey is a bearer token for an ApiClient. Only the SHA-512 hash of the
// token is stored.
type ApiKey struct {
	ID        int64      `json:"id"`
	ClientID  int64      `json:"client_id"`
	Name      string     `json:"name"`
	Hash      string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key can no longer authenticate.
func (k *ApiKey) Revoked() bool {
	return k.RevokedAt != nil
}

var (
	ErrNotFound       = errors.New("apiclient: not found")
	ErrInvalidKey     = errors.New("apiclient: invalid api key")
	ErrBadSignature   = errors.New("apiclient: bad signature")
	ErrCallbackFailed = errors.New("apiclient: third-party callback refused the profile")
)
