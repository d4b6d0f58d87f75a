package authtest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func contextWithAuth(ctx context.Context, a authInfo) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func authFrom(r *http.Request) authInfo {
	a, _ := r.Context().Value(ctxKey{}).(authInfo)
	return a
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[req.Email]
	if !ok || bcrypt.CompareHashAndPassword(u.hash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, s.loginResponseLocked(u))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	fields := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		fields["name"] = "required"
	}
	if !strings.Contains(req.Email, "@") {
		fields["email"] = "invalid email"
	}
	if len(req.Password) < 6 {
		fields["password"] = "must be at least 6 characters"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "errors": fields})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hash failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[req.Email]; exists {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	u := &user{
		Profile: Profile{ID: uuid.NewString(), Name: req.Name, Email: req.Email, CreatedAt: time.Now().UTC()},
		hash:    hash,
	}
	s.users[req.Email] = u
	writeJSON(w, http.StatusCreated, s.loginResponseLocked(u))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	delay, fail := s.delay, s.failStatus
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail != 0 {
		writeError(w, fail, "refresh unavailable")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.refresh[req.RefreshToken]
	se := s.sessions[sid]
	if !ok || se == nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	access, _ := s.jwt.CreateAccess(se.userID, sid, s.accessTTL)
	s.access[access] = sid
	out := map[string]any{"accessToken": access}
	if s.rotate {
		delete(s.refresh, se.refresh)
		se.refresh = uuid.NewString()
		s.refresh[se.refresh] = sid
		out["refreshToken"] = se.refresh
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)
	a := authFrom(r)

	s.mu.Lock()
	if se, ok := s.sessions[a.sid]; ok {
		delete(s.refresh, se.refresh)
		delete(s.sessions, a.sid)
	}
	for tok, sid := range s.access {
		if sid == a.sid {
			delete(s.access, tok)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.meCalls.Add(1)
	a := authFrom(r)

	s.mu.Lock()
	p, shape := a.user.Profile, s.meShape
	s.mu.Unlock()

	switch shape {
	case MeUser:
		writeJSON(w, http.StatusOK, map[string]any{"user": p})
	case MeData:
		writeJSON(w, http.StatusOK, map[string]any{"data": p})
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"receipts": []any{}, "owner": authFrom(r).user.ID})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	if _, ok := s.users[req.Email]; ok {
		s.resets[req.Email] = uuid.NewString()
	}
	s.mu.Unlock()
	// Unknown addresses get the same answer.
	writeJSON(w, http.StatusOK, map[string]string{"message": "if the account exists, an email was sent"})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.resets[req.Email]
	u := s.users[req.Email]
	if !ok || u == nil || want != req.Token {
		writeError(w, http.StatusBadRequest, "invalid or expired reset token")
		return
	}
	if len(req.NewPassword) < 6 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"errors": map[string]string{"newPassword": "must be at least 6 characters"},
		})
		return
	}
	u.hash, _ = bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.MinCost)
	delete(s.resets, req.Email)
	writeJSON(w, http.StatusOK, map[string]string{"message": "password reset"})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decode(w, r, &req) {
		return
	}
	a := authFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if bcrypt.CompareHashAndPassword(a.user.hash, []byte(req.CurrentPassword)) != nil {
		// wrong current password is a validation error, not a 401
		writeError(w, http.StatusBadRequest, "current password is incorrect")
		return
	}
	if len(req.NewPassword) < 6 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"errors": map[string]string{"newPassword": "must be at least 6 characters"},
		})
		return
	}
	a.user.hash, _ = bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.MinCost)
	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name *string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"errors": map[string]string{"name": "required"},
		})
		return
	}
	a := authFrom(r)

	s.mu.Lock()
	a.user.Name = *req.Name
	p := a.user.Profile
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"user": p})
}

func (s *Server) handleRequestEmailChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewEmail string `json:"newEmail"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !strings.Contains(req.NewEmail, "@") {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"errors": map[string]string{"newEmail": "invalid email"},
		})
		return
	}
	a := authFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.users[req.NewEmail]; taken {
		writeError(w, http.StatusConflict, "email already in use")
		return
	}
	s.changes[a.user.Email] = emailChange{
		newEmail: req.NewEmail,
		codeOld:  uuid.NewString()[:6],
		codeNew:  uuid.NewString()[:6],
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "verification codes sent"})
}

func (s *Server) handleConfirmEmailChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewEmail      string `json:"newEmail"`
		TokenOldEmail string `json:"tokenOldEmail"`
		TokenNewEmail string `json:"tokenNewEmail"`
	}
	if !decode(w, r, &req) {
		return
	}
	a := authFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.changes[a.user.Email]
	if !ok || c.newEmail != req.NewEmail || c.codeOld != req.TokenOldEmail || c.codeNew != req.TokenNewEmail {
		writeError(w, http.StatusBadRequest, "invalid verification codes")
		return
	}
	if _, taken := s.users[req.NewEmail]; taken {
		writeError(w, http.StatusConflict, "email already in use")
		return
	}
	delete(s.changes, a.user.Email)
	delete(s.users, a.user.Email)
	a.user.Email = req.NewEmail
	s.users[req.NewEmail] = a.user
	writeJSON(w, http.StatusOK, map[string]any{"user": a.user.Profile})
}
