package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lumenapps/creditledger/internal/obs"
	"github.com/lumenapps/creditledger/internal/sessioncache"
	"github.com/lumenapps/creditledger/pkg/ledger"
)

const contextKeySession = "session_snapshot"

// sessionClaims is the JWT payload stored in the session cookie.
type sessionClaims struct {
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type sessionContext struct {
	SessionID string
	Snapshot  sessioncache.Snapshot
}

func (server *Server) mintSessionCookie(ctx *gin.Context, user ledger.User) error {
	now := time.Now().UTC()
	claims := sessionClaims{
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Roles:       user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			Issuer:    server.config.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(server.config.SessionTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(server.config.SessionSigningKey))
	if err != nil {
		return fmt.Errorf("sign session token: %w", err)
	}
	server.sessions.Put(claims.ID, snapshotFromUser(user))
	ctx.SetCookie(server.config.SessionCookieName, token, int(server.config.SessionTTL.Seconds()), "/", "", false, true)
	return nil
}

func (server *Server) parseSessionCookie(ctx *gin.Context) (*sessionClaims, error) {
	raw, err := ctx.Cookie(server.config.SessionCookieName)
	if err != nil || raw == "" {
		return nil, errors.New("missing session cookie")
	}
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(server.config.SessionSigningKey), nil
	}, jwt.WithIssuer(server.config.SessionIssuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, errors.New("invalid session token")
	}
	return &claims, nil
}

// sessionMiddleware validates the session cookie and, in the same pass, runs
// the lazy credit maintenance tied to session validation: the expiration
// sweep and the monthly free-credit refresh (both inside RefreshMonthlyCredits,
// which fast-paths on the cached snapshot).
func (server *Server) sessionMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := server.parseSessionCookie(ctx)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid session"))
			return
		}
		snapshot, ok := server.sessions.Get(claims.ID)
		if !ok {
			userID, idErr := ledger.NewUserID(claims.Subject)
			if idErr != nil {
				ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid session"))
				return
			}
			user, loadErr := server.service.User(ctx.Request.Context(), userID)
			if loadErr != nil {
				ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "unknown user"))
				return
			}
			snapshot = snapshotFromUser(user)
			server.sessions.Put(claims.ID, snapshot)
		}
		freshCredits, refreshErr := server.service.RefreshMonthlyCredits(ctx.Request.Context(), ledger.SessionUser{
			UserID:              snapshot.UserID,
			CurrentCredits:      snapshot.CurrentCredits,
			LastCreditRefreshAt: snapshot.LastCreditRefreshAt,
		})
		if refreshErr == nil && freshCredits != snapshot.CurrentCredits {
			snapshot.CurrentCredits = freshCredits
			server.sessions.Put(claims.ID, snapshot)
		}
		ctx.Set(contextKeySession, sessionContext{SessionID: claims.ID, Snapshot: snapshot})
		ctx.Next()
	}
}

func (server *Server) requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		session, ok := getSession(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, owned := range session.Snapshot.Roles {
			if owned == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "insufficient role"))
	}
}

func getSession(ctx *gin.Context) (sessionContext, bool) {
	value, ok := ctx.Get(contextKeySession)
	if !ok {
		return sessionContext{}, false
	}
	session, ok := value.(sessionContext)
	return session, ok
}

func snapshotFromUser(user ledger.User) sessioncache.Snapshot {
	return sessioncache.Snapshot{
		UserID:              user.ID,
		Email:               user.Email,
		DisplayName:         user.DisplayName,
		Roles:               user.Roles,
		CurrentCredits:      user.CurrentCredits,
		LastCreditRefreshAt: user.LastCreditRefreshAt,
	}
}

// SessionSweep implements ledger.SessionRefresher: after a credit-affecting
// operation it re-reads the durable user row and rewrites every live session
// snapshot of that user.
type SessionSweep struct {
	store    ledger.Store
	sessions *sessioncache.Sessions
	metrics  *obs.Metrics
}

// NewSessionSweep wires the snapshot sweep.
func NewSessionSweep(store ledger.Store, sessions *sessioncache.Sessions, metrics *obs.Metrics) *SessionSweep {
	return &SessionSweep{store: store, sessions: sessions, metrics: metrics}
}

func (sweep *SessionSweep) RefreshUserSessions(ctx context.Context, userID string) error {
	user, err := sweep.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	sweep.sessions.RefreshUser(userID, func(sessioncache.Snapshot) sessioncache.Snapshot {
		return snapshotFromUser(user)
	})
	if sweep.metrics != nil {
		sweep.metrics.ObserveSessionRefresh()
	}
	return nil
}
