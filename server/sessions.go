package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

// identityKey is the only entry the session ever holds.
const identityKey = "user"

// SessionManager stores the authenticated identity in a cookie signed with
// the application secret. Tampered or foreign cookies read as empty sessions.
type SessionManager struct {
	store  sessions.Store
	name   string
	logger *slog.Logger
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:  newCookieStore(cfg, cfg.Session.MaxAge),
		name:   cfg.Session.CookieName,
		logger: logger,
	}
}

// newCookieStore builds a signed cookie store keyed by the session secret.
func newCookieStore(cfg Config, ttl time.Duration) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(cfg.Session.SecretKey))
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(int(ttl.Seconds()))
	return store
}

// Identity returns the identity held by the request's session, if any.
func (sm *SessionManager) Identity(r *http.Request) (UserIdentity, bool) {
	sess, err := sm.store.Get(r, sm.name)
	if err != nil {
		sm.logger.Debug("session cookie rejected", "error", err)
		return UserIdentity{}, false
	}
	raw, ok := sess.Values[identityKey].(string)
	if !ok {
		return UserIdentity{}, false
	}
	var id UserIdentity
	if err := json.Unmarshal([]byte(raw), &id); err != nil || id.Subject == "" {
		sm.logger.Debug("session identity malformed", "error", err)
		return UserIdentity{}, false
	}
	return id, true
}

// SetIdentity stores id in the session, replacing any previous identity.
func (sm *SessionManager) SetIdentity(w http.ResponseWriter, r *http.Request, id UserIdentity) error {
	sess, err := sm.store.Get(r, sm.name)
	if err != nil {
		// Get always hands back a usable fresh session alongside decode errors.
		sm.logger.Debug("replacing unreadable session", "error", err)
	}
	payload, err := json.Marshal(id)
	if err != nil {
		return err
	}
	sess.Values[identityKey] = string(payload)
	return sess.Save(r, w)
}

// Clear empties the session and expires its cookie. Clearing an empty
// session succeeds.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	sess, _ := sm.store.Get(r, sm.name)
	for k := range sess.Values {
		delete(sess.Values, k)
	}
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}
