package security

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidToken is returned for a bearer token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// ErrUnknownAPIKey is returned for an X-API-Key outside the configured set.
var ErrUnknownAPIKey = errors.New("unknown api key")

// ExtractorConfig configures identity extraction from HTTP requests.
type ExtractorConfig struct {
	JWTSecret string
	JWTIssuer string
	// APIKeys lists the accepted X-API-Key values. Empty disables keys.
	APIKeys []string
	// IdentityHeader is honored only with TrustIdentityHeader set, i.e.
	// behind a proxy that strips it from client requests.
	IdentityHeader      string
	TrustIdentityHeader bool
}

// Extractor derives an Identity from an HTTP request. Sources are tried in
// order: a verified bearer JWT subject, a configured X-API-Key (hashed, never
// stored in clear), the trusted identity header, the remote IP. Anything a
// client can assert without a secret collapses to the remote IP.
type Extractor struct {
	cfg  ExtractorConfig
	keys map[string]struct{}
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[HashAPIKey(k)] = struct{}{}
		}
	}
	return &Extractor{cfg: cfg, keys: keys}
}

// FromRequest returns the caller identity. A bearer token that fails
// verification or an unknown API key yields an error alongside the remote
// IP identity.
func (e *Extractor) FromRequest(r *http.Request) (Identity, error) {
	if token := bearerToken(r); token != "" && e.cfg.JWTSecret != "" {
		sub, err := e.verify(token)
		if err != nil {
			return fromRemote(r), err
		}
		return Identity{ID: "jwt:" + sub, Method: AuthMethodJWT}, nil
	}

	if key := r.Header.Get("X-API-Key"); key != "" && len(e.keys) > 0 {
		hash := HashAPIKey(key)
		if _, ok := e.keys[hash]; !ok {
			return fromRemote(r), ErrUnknownAPIKey
		}
		return Identity{ID: "key:" + hash, Method: AuthMethodAPIKey}, nil
	}

	if e.cfg.TrustIdentityHeader && e.cfg.IdentityHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(e.cfg.IdentityHeader)); v != "" {
			return Identity{ID: "client:" + v, Method: AuthMethodHeader}, nil
		}
	}

	return fromRemote(r), nil
}

func fromRemote(r *http.Request) Identity {
	if host := remoteHost(r.RemoteAddr); host != "" {
		return Identity{ID: "ip:" + host, Method: AuthMethodRemoteIP}
	}
	return Identity{ID: Anonymous, Method: AuthMethodAnonymous}
}

func (e *Extractor) verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if e.cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(e.cfg.JWTIssuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(e.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// HashAPIKey returns a short stable fingerprint of an API key.
func HashAPIKey(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
