// Package auth authenticates callers of the bridge's HTTP surface. Callers present
// either a static service key or a session token issued after an OAuth login.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	adsbridge "github.com/opengovern/meta-ads-bridge"
	"github.com/opengovern/meta-ads-bridge/store"
)

const (
	KindServiceKey = "service_key"
	KindSession    = "session"

	DefaultServiceUserID = "service"
	defaultIssuer        = "meta-ads-bridge"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller.
type Identity struct {
	UserID    string
	SessionID string
	Kind      string
}

type Config struct {
	// JWTSecret signs session tokens. Without it only service keys are accepted.
	JWTSecret   string
	ServiceKeys []string
	// ServiceUserID is the user id service-key callers act as. Its token must be in the
	// token store for multi-tenant deployments.
	ServiceUserID string
	SessionTTL    time.Duration
}

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret      []byte
	serviceKeys [][]byte
	serviceUser string
	ttl         time.Duration
	sessions    *store.SessionRepository
	now         func() time.Time
	logger      log.FieldLogger
}

func NewAuthenticator(cfg Config, sessions *store.SessionRepository, logger log.FieldLogger) *Authenticator {
	a := &Authenticator{
		secret:      []byte(cfg.JWTSecret),
		serviceUser: cfg.ServiceUserID,
		ttl:         cfg.SessionTTL,
		sessions:    sessions,
		now:         time.Now,
		logger:      logger,
	}
	for _, k := range cfg.ServiceKeys {
		if k = strings.TrimSpace(k); k != "" {
			a.serviceKeys = append(a.serviceKeys, []byte(k))
		}
	}
	if a.serviceUser == "" {
		a.serviceUser = DefaultServiceUserID
	}
	if a.ttl <= 0 {
		a.ttl = store.DefaultSessionTTL
	}
	if a.logger == nil {
		a.logger = log.StandardLogger()
	}
	return a
}

// Authenticate resolves a bearer credential to an Identity. Session tokens are only
// accepted while their session record exists; each use refreshes its last-used time.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		return nil, ErrUnauthorized
	}
	for _, k := range a.serviceKeys {
		if subtle.ConstantTimeCompare(k, []byte(bearer)) == 1 {
			return &Identity{UserID: a.serviceUser, Kind: KindServiceKey}, nil
		}
	}
	if len(a.secret) == 0 || a.sessions == nil {
		return nil, ErrUnauthorized
	}

	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token carries no session", ErrUnauthorized)
	}

	rec, err := a.sessions.Touch(ctx, claims.SessionID, a.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: session revoked or expired", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != claims.Subject {
		return nil, fmt.Errorf("%w: session does not belong to subject", ErrUnauthorized)
	}
	return &Identity{UserID: rec.UserID, SessionID: rec.ID, Kind: KindSession}, nil
}

// IssueSessionToken signs an HS256 token bound to rec.
func (a *Authenticator) IssueSessionToken(rec *store.SessionRecord) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errors.New("no session signing secret configured")
	}
	now := a.now()
	expires := now.Add(a.ttl)
	claims := sessionClaims{
		SessionID: rec.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   rec.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Logout deletes the session so its token stops authenticating.
func (a *Authenticator) Logout(ctx context.Context, sessionID string) error {
	if a.sessions == nil {
		return nil
	}
	return a.sessions.Delete(ctx, sessionID)
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

type identityKey struct{}

func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Middleware rejects unauthenticated requests and attaches the caller's identity and
// user id (adsbridge.WithUserID) to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		id, err := a.Authenticate(r.Context(), BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				a.logger.WithError(err).Error("authentication backend failure")
			} else {
				a.logger.WithField("remote", r.RemoteAddr).Debugf("authentication failed: %v", err)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="meta-ads-bridge"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		ctx = adsbridge.WithUserID(ctx, id.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
