package apiclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ae-utbm/comptoir/internal/auth"
)

// keyTokenBytes yields a 72-character hex token.
const keyTokenBytes = 36

// hmacKeyBytes is the size of a client's shared secret.
const hmacKeyBytes = 32

// DefaultCallbackTimeout bounds the profile POST to the external app.
const DefaultCallbackTimeout = 10 * time.Second

// SignatureHeader carries the HMAC of the profile delivery body.
const SignatureHeader = "X-Signature"

// Service authenticates api keys and runs the third-party auth handshake.
type Service struct {
	repo    Repository
	users   *auth.Service
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewService constructs the service. A nil http client gets a default one
// bounded by the callback timeout.
func NewService(repo Repository, users *auth.Service, httpClient *http.Client, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Service{
		repo:    repo,
		users:   users,
		client:  httpClient,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

// RegisterClient creates an api client with a fresh HMAC key.
func (s *Service) RegisterClient(ctx context.Context, name string, ownerID int64, permissions []string) (*ApiClient, error) {
	key := make([]byte, hmacKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return s.repo.CreateClient(ctx, &ApiClient{
		Name:        name,
		OwnerID:     ownerID,
		HMACKey:     key,
		Permissions: permissions,
	})
}

// RotateHMACKey replaces the client's shared secret. Every signature issued
// under the previous key stops verifying immediately.
func (s *Service) RotateHMACKey(ctx context.Context, clientID int64) (string, error) {
	key := make([]byte, hmacKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	if err := s.repo.SetHMACKey(ctx, clientID, key); err != nil {
		return "", err
	}
	s.logger.Info("api client hmac key rotated", slog.Int64("client_id", clientID))
	return hex.EncodeToString(key), nil
}

// GenerateKey mints a bearer token for the client. The token is returned
// exactly once; only its hash is stored.
func (s *Service) GenerateKey(ctx context.Context, clientID int64, name string) (string, *ApiKey, error) {
	raw := make([]byte, keyTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	token := hex.EncodeToString(raw)
	k, err := s.repo.CreateKey(ctx, &ApiKey{
		ClientID: clientID,
		Name:     name,
		Hash:     hashToken(token),
	})
	if err != nil {
		return "", nil, err
	}
	return token, k, nil
}

// RevokeKey invalidates a bearer token.
func (s *Service) RevokeKey(ctx context.Context, keyID int64) error {
	return s.repo.RevokeKey(ctx, keyID, s.now())
}

// AuthenticateKey resolves an X-APIKey token to its owning client. The
// token has enough entropy that its unsalted hash is the lookup key; the
// stored hash is still compared in constant time.
func (s *Service) AuthenticateKey(ctx context.Context, token string) (*ApiClient, error) {
	if len(token) != 2*keyTokenBytes {
		return nil, ErrInvalidKey
	}
	hash := hashToken(token)
	k, err := s.repo.GetKeyByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if k.Revoked() || subtle.ConstantTimeCompare([]byte(k.Hash), []byte(hash)) != 1 {
		return nil, ErrInvalidKey
	}
	return s.repo.GetClient(ctx, k.ClientID)
}

func hashToken(token string) string {
	sum := sha512.Sum512([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AuthRequest is the signed query an external app redirects the user with.
type AuthRequest struct {
	ClientID      int64  `json:"client_id" validate:"required"`
	ThirdPartyApp string `json:"third_party_app" validate:"required"`
	CGULink       string `json:"cgu_link" validate:"required,url"`
	Username      string `json:"username" validate:"required"`
	CallbackURL   string `json:"callback_url" validate:"required,url"`
	Signature     string `json:"signature" validate:"required"`
}

// Canonical renders the request parameters the way both sides sign them:
// query keys sorted, signature excluded, joined with '&'.
func (r AuthRequest) Canonical() string {
	params := map[string]string{
		"callback_url":    r.CallbackURL,
		"cgu_link":        r.CGULink,
		"client_id":       fmt.Sprintf("%d", r.ClientID),
		"third_party_app": r.ThirdPartyApp,
		"username":        r.Username,
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

// Consent is what the consent page shows before the user confirms.
type Consent struct {
	ClientID      int64  `json:"client_id"`
	ClientName    string `json:"client_name"`
	ThirdPartyApp string `json:"third_party_app"`
	CGULink       string `json:"cgu_link"`
	Username      string `json:"username"`
}

// VerifyRequest checks the handshake signature and returns the consent
// page data. A missing client and a bad signature are indistinguishable.
func (s *Service) VerifyRequest(ctx context.Context, req AuthRequest) (*Consent, *ApiClient, error) {
	c, err := s.repo.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, nil, ErrBadSignature
	}
	if err := verifyHMAC(c.HMACKey, req.Canonical(), req.Signature); err != nil {
		return nil, nil, err
	}
	return &Consent{
		ClientID:      c.ID,
		ClientName:    c.Name,
		ThirdPartyApp: req.ThirdPartyApp,
		CGULink:       req.CGULink,
		Username:      req.Username,
	}, c, nil
}

// Profile is what gets delivered to the external app on consent.
type Profile struct {
	Username     string  `json:"username"`
	FirstName    string  `json:"first_name"`
	LastName     string  `json:"last_name"`
	NickName     *string `json:"nick_name,omitempty"`
	Email        string  `json:"email"`
	IsSubscribed bool    `json:"is_subscribed"`
}

// Confirm finishes the handshake after the user accepted the CGU and
// confirmed the displayed username: the profile is POSTed to the callback
// URL, signed with the client's HMAC key. A non-2xx answer from the app
// fails the handshake.
func (s *Service) Confirm(ctx context.Context, req AuthRequest, user *auth.User) error {
	_, c, err := s.VerifyRequest(ctx, req)
	if err != nil {
		return err
	}
	if !strings.EqualFold(user.Username, req.Username) {
		return ErrBadSignature
	}

	subscribed, err := s.users.IsSubscribed(ctx, user.ID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Profile{
		Username:     user.Username,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		NickName:     user.NickName,
		Email:        user.Email,
		IsSubscribed: subscribed,
	})
	if err != nil {
		return err
	}

	if _, err := url.ParseRequestURI(req.CallbackURL); err != nil {
		return fmt.Errorf("apiclient: bad callback url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(SignatureHeader, signHMAC(c.HMACKey, string(body)))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCallbackFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrCallbackFailed, resp.StatusCode)
	}

	s.logger.Info("third-party auth delivered",
		slog.Int64("client_id", c.ID),
		slog.Int64("user_id", user.ID),
		slog.String("app", req.ThirdPartyApp))
	return nil
}

func signHMAC(key []byte, payload string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(key []byte, payload, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
