// Package authtest runs an in-process fake of the expense-tracker backend for tests and
// the load tool. It implements every endpoint the session core consumes and exposes knobs
// to expire tokens, fail refreshes, and switch response shapes.
package authtest

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Mathchety/gastosauth/jwt"
)

// MeShape selects how /me wraps the profile.
type MeShape string

const (
	MeDirect MeShape = "direct"
	MeUser   MeShape = "user"
	MeData   MeShape = "data"
)

// Profile is the user record as the backend returns it.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type user struct {
	Profile
	hash []byte
}

type emailChange struct {
	newEmail string
	codeOld  string
	codeNew  string
}

type sess struct {
	userID  string
	refresh string
}

// Server is the fake backend. The zero value is not usable; call New.
type Server struct {
	*httptest.Server

	jwt *jwt.Manager

	mu         sync.Mutex
	users      map[string]*user // by email
	sessions   map[string]*sess // by sid
	access     map[string]string
	refresh    map[string]string
	resets     map[string]string // email -> token
	changes    map[string]emailChange
	legacy     bool
	omitUser   bool
	rotate     bool
	meShape    MeShape
	failStatus int
	delay      time.Duration
	accessTTL  time.Duration

	loginCalls   atomic.Int32
	refreshCalls atomic.Int32
	meCalls      atomic.Int32
	logoutCalls  atomic.Int32
}

// New starts a Server. Close it when done.
func New() *Server {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    key,
		Issuer:        "authtest",
	})
	if err != nil {
		panic(err)
	}

	s := &Server{
		jwt:       jm,
		users:     make(map[string]*user),
		sessions:  make(map[string]*sess),
		access:    make(map[string]string),
		refresh:   make(map[string]string),
		resets:    make(map[string]string),
		changes:   make(map[string]emailChange),
		rotate:    true,
		meShape:   MeDirect,
		accessTTL: 15 * time.Minute,
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/login", s.handleLogin)
	r.Post("/register", s.handleRegister)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/forgot-password", s.handleForgotPassword)
	r.Post("/auth/reset-password", s.handleResetPassword)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/logout", s.handleLogout)
		r.Get("/me", s.handleMe)
		r.Get("/receipts", s.handleReceipts)
		r.Post("/auth/change-password", s.handleChangePassword)
		r.Patch("/user/profile", s.handleUpdateProfile)
		r.Post("/user/request-email-change", s.handleRequestEmailChange)
		r.Post("/user/confirm-email-change", s.handleConfirmEmailChange)
	})
	return r
}

/* ---- knobs ---- */

// Seed registers a user directly.
func (s *Server) Seed(name, email, password string) Profile {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	u := &user{
		Profile: Profile{ID: uuid.NewString(), Name: name, Email: email, CreatedAt: time.Now().UTC()},
		hash:    hash,
	}
	s.mu.Lock()
	s.users[email] = u
	s.mu.Unlock()
	return u.Profile
}

// SetLegacyLogin makes /login and /register answer {token, user}.
func (s *Server) SetLegacyLogin(v bool) { s.mu.Lock(); s.legacy = v; s.mu.Unlock() }

// SetOmitUser drops the user object from login responses so clients must call /me.
func (s *Server) SetOmitUser(v bool) { s.mu.Lock(); s.omitUser = v; s.mu.Unlock() }

// SetRotateRefresh controls whether /auth/refresh issues a new refresh token.
func (s *Server) SetRotateRefresh(v bool) { s.mu.Lock(); s.rotate = v; s.mu.Unlock() }

// SetMeShape selects the /me envelope.
func (s *Server) SetMeShape(m MeShape) { s.mu.Lock(); s.meShape = m; s.mu.Unlock() }

// SetRefreshFailure makes /auth/refresh answer status; 0 restores normal behaviour.
func (s *Server) SetRefreshFailure(status int) { s.mu.Lock(); s.failStatus = status; s.mu.Unlock() }

// SetRefreshDelay delays every /auth/refresh response.
func (s *Server) SetRefreshDelay(d time.Duration) { s.mu.Lock(); s.delay = d; s.mu.Unlock() }

// SetAccessTTL changes the lifetime of newly issued access tokens.
func (s *Server) SetAccessTTL(d time.Duration) { s.mu.Lock(); s.accessTTL = d; s.mu.Unlock() }

// ExpireAccessTokens invalidates every issued access token.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.access = make(map[string]string)
	s.mu.Unlock()
}

// RevokeRefreshTokens invalidates every issued refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	s.refresh = make(map[string]string)
	s.mu.Unlock()
}

// ResetToken returns the pending password-reset token for email.
func (s *Server) ResetToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets[email]
}

// EmailChangeCodes returns the codes sent to the current and the new address.
func (s *Server) EmailChangeCodes(currentEmail string) (codeOld, codeNew string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.changes[currentEmail]
	return c.codeOld, c.codeNew
}

// User returns the stored profile for email.
func (s *Server) User(email string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return Profile{}, false
	}
	return u.Profile, true
}

func (s *Server) LoginCalls() int   { return int(s.loginCalls.Load()) }
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }
func (s *Server) MeCalls() int      { return int(s.meCalls.Load()) }
func (s *Server) LogoutCalls() int  { return int(s.logoutCalls.Load()) }

/* ---- helpers ---- */

type ctxKey struct{}

type authInfo struct {
	sid   string
	token string
	user  *user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) userByID(id string) *user {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// issueLocked starts a session for u. Caller holds s.mu.
func (s *Server) issueLocked(u *user) (access, refresh string) {
	sid := uuid.NewString()
	access, _ = s.jwt.CreateAccess(u.ID, sid, s.accessTTL)
	refresh = uuid.NewString()
	s.sessions[sid] = &sess{userID: u.ID, refresh: refresh}
	s.access[access] = sid
	s.refresh[refresh] = sid
	return access, refresh
}

func (s *Server) loginResponseLocked(u *user) map[string]any {
	access, refresh := s.issueLocked(u)
	var out map[string]any
	if s.legacy {
		out = map[string]any{"token": access}
	} else {
		out = map[string]any{"accessToken": access, "refreshToken": refresh}
	}
	if !s.omitUser {
		out["user"] = u.Profile
	}
	return out
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.jwt.ParseAccess(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		s.mu.Lock()
		sid, live := s.access[token]
		var u *user
		if live {
			if se, ok := s.sessions[sid]; ok {
				u = s.userByID(se.userID)
			}
		}
		s.mu.Unlock()
		if u == nil {
			writeError(w, http.StatusUnauthorized, "token expired")
			return
		}

		ctx := r.Context()
		r = r.WithContext(contextWithAuth(ctx, authInfo{sid: sid, token: token, user: u}))
		next.ServeHTTP(w, r)
	})
}
