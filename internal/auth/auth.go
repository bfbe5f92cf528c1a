// Package auth resolves the calling principal of an HTTP request. Tokens are issued elsewhere;
// this package only verifies them and extracts the subject.
package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/docflow/internal/models"
)

// HeaderPrincipal carries the caller identity in dev mode.
const HeaderPrincipal = "X-Principal"

var (
	// ErrNoCredentials means the request carries nothing this resolver understands.
	ErrNoCredentials = errors.New("no credentials")
	ErrInvalidToken  = errors.New("invalid token")
)

type Resolver interface {
	Resolve(r *http.Request) (models.Principal, error)
}

// JWTConfig selects the verification keys and claim checks for bearer tokens.
type JWTConfig struct {
	HS256Secret    []byte
	PublicKeysFile string
	Issuer         string
	Audience       string
}

type verificationKey struct {
	methods []string
	key     interface{}
}

// JWTResolver maps a verified bearer token to the principal in its sub claim.
type JWTResolver struct {
	keys []verificationKey
	opts []jwt.ParserOption
}

func NewJWTResolver(cfg JWTConfig) (*JWTResolver, error) {
	r := &JWTResolver{}
	if len(cfg.HS256Secret) > 0 {
		r.keys = append(r.keys, verificationKey{methods: []string{"HS256"}, key: cfg.HS256Secret})
	}
	if cfg.PublicKeysFile != "" {
		data, err := os.ReadFile(cfg.PublicKeysFile)
		if err != nil {
			return nil, fmt.Errorf("read public keys: %w", err)
		}
		keys, err := parsePublicKeys(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.PublicKeysFile, err)
		}
		r.keys = append(r.keys, keys...)
	}
	if len(r.keys) == 0 {
		return nil, errors.New("jwt resolver needs a secret or public keys")
	}
	if cfg.Issuer != "" {
		r.opts = append(r.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		r.opts = append(r.opts, jwt.WithAudience(cfg.Audience))
	}
	return r, nil
}

// parsePublicKeys reads every PEM public key or certificate in data. Unknown blocks are skipped.
func parsePublicKeys(data []byte) ([]verificationKey, error) {
	var keys []verificationKey
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, cerr := x509.ParseCertificate(block.Bytes)
			if cerr != nil {
				continue
			}
			key = cert.PublicKey
		}
		switch k := key.(type) {
		case *rsa.PublicKey:
			keys = append(keys, verificationKey{methods: []string{"RS256", "RS384", "RS512"}, key: k})
		case *ecdsa.PublicKey:
			keys = append(keys, verificationKey{methods: []string{"ES256", "ES384", "ES512"}, key: k})
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("no RSA or ECDSA public keys found")
	}
	return keys, nil
}

func (j *JWTResolver) Resolve(r *http.Request) (models.Principal, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", ErrNoCredentials
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))

	var lastErr error
	for _, k := range j.keys {
		key := k.key
		opts := append([]jwt.ParserOption{jwt.WithValidMethods(k.methods)}, j.opts...)
		token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) { return key, nil }, opts...)
		if err != nil {
			lastErr = err
			continue
		}
		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
		}
		return models.Principal(sub), nil
	}
	return "", fmt.Errorf("%w: %v", ErrInvalidToken, lastErr)
}

// HeaderResolver trusts the X-Principal header. Only for local development.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (models.Principal, error) {
	p := strings.TrimSpace(r.Header.Get(HeaderPrincipal))
	if p == "" {
		return "", ErrNoCredentials
	}
	return models.Principal(p), nil
}

// ChainResolver returns the first principal any resolver yields. A resolver that finds
// credentials but rejects them ends the chain.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(r *http.Request) (models.Principal, error) {
	for _, res := range c {
		p, err := res.Resolve(r)
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		return p, err
	}
	return "", ErrNoCredentials
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(models.Principal)
	return p, ok && p != ""
}

// Middleware resolves the principal and rejects unauthenticated requests with 401.
func Middleware(res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := res.Resolve(r)
			if err != nil {
				msg := "authentication required"
				if !errors.Is(err, ErrNoCredentials) {
					msg = "invalid credentials"
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthenticated"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
