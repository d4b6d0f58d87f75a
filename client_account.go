package gastosauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Mathchety/gastosauth/transport"
)

// ForgotPassword asks the backend to send a reset token to email.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   c.cfg.API.Paths.ForgotPassword,
		Body:   map[string]string{"email": email},
	}, nil)
}

// ResetPassword sets a new password with the emailed token. A remembered password
// for the same email is updated.
func (c *Client) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   c.cfg.API.Paths.ResetPassword,
		Body: map[string]string{
			"email":       email,
			"token":       token,
			"newPassword": newPassword,
		},
	}, nil)
	c.audit.record(ctx, AuditPasswordReset, "", err, nil)
	if err != nil {
		return err
	}
	c.updateRememberedPassword(ctx, email, newPassword)
	return nil
}

// ChangePassword replaces the password of the logged-in user.
func (c *Client) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	if err := c.requireAuth(); err != nil {
		return err
	}
	err := c.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   c.cfg.API.Paths.ChangePassword,
		Auth:   true,
		Body: map[string]string{
			"currentPassword": currentPassword,
			"newPassword":     newPassword,
		},
	}, nil)
	c.audit.record(ctx, AuditPasswordChange, c.userID(), err, nil)
	if err != nil {
		return err
	}

	if email := c.currentEmail(); email != "" {
		c.updateRememberedPassword(ctx, email, newPassword)
	}
	if _, err := c.Me(ctx); err != nil {
		c.log.Debug("refresh profile after password change", zap.Error(err))
	}
	return nil
}

// UpdateProfile renames the logged-in user and returns the updated profile.
func (c *Client) UpdateProfile(ctx context.Context, name string) (UserProfile, error) {
	if err := c.requireAuth(); err != nil {
		return UserProfile{}, err
	}
	var raw json.RawMessage
	err := c.Do(ctx, transport.Request{
		Method: http.MethodPatch,
		Path:   c.cfg.API.Paths.UpdateProfile,
		Auth:   true,
		Body:   map[string]string{"name": name},
	}, &raw)
	c.audit.record(ctx, AuditProfileUpdate, c.userID(), err, nil)
	if err != nil {
		return UserProfile{}, err
	}
	return c.adoptProfile(ctx, raw)
}

// RequestEmailChange asks the backend to send one verification code to the current
// address and one to newEmail.
func (c *Client) RequestEmailChange(ctx context.Context, newEmail string) error {
	if err := c.requireAuth(); err != nil {
		return err
	}
	return c.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   c.cfg.API.Paths.RequestEmailChange,
		Auth:   true,
		Body:   map[string]string{"newEmail": newEmail},
	}, nil)
}

// ConfirmEmailChange switches the account to newEmail. Both codes are required: one
// proves control of the current address, the other of the new one. On any failure the
// stored email is left unchanged.
func (c *Client) ConfirmEmailChange(ctx context.Context, newEmail, codeOldEmail, codeNewEmail string) (UserProfile, error) {
	if err := c.requireAuth(); err != nil {
		return UserProfile{}, err
	}
	codeOldEmail = strings.TrimSpace(codeOldEmail)
	codeNewEmail = strings.TrimSpace(codeNewEmail)
	if codeOldEmail == "" || codeNewEmail == "" {
		return UserProfile{}, ErrEmailChangeCodes
	}

	oldEmail := c.currentEmail()
	var raw json.RawMessage
	err := c.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   c.cfg.API.Paths.ConfirmEmailChange,
		Auth:   true,
		Body: map[string]string{
			"newEmail":      newEmail,
			"tokenOldEmail": codeOldEmail,
			"tokenNewEmail": codeNewEmail,
		},
	}, &raw)
	c.audit.record(ctx, AuditEmailChange, c.userID(), err, map[string]string{"new_email": newEmail})
	if err != nil {
		return UserProfile{}, err
	}

	user, err := c.adoptProfile(ctx, raw)
	if err != nil {
		return UserProfile{}, err
	}
	if oldEmail != "" && !strings.EqualFold(oldEmail, user.Email) {
		if err := c.vault.UpdateSavedEmail(ctx, user.Email); err != nil {
			c.log.Warn("update remembered email", zap.Error(err))
		}
	}
	return user, nil
}

// Me reloads the profile of the logged-in user.
func (c *Client) Me(ctx context.Context) (UserProfile, error) {
	if err := c.requireAuth(); err != nil {
		return UserProfile{}, err
	}
	var raw json.RawMessage
	err := c.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   c.cfg.API.Paths.Me,
		Auth:   true,
	}, &raw)
	if err != nil {
		return UserProfile{}, err
	}
	user, err := normalizeProfile(raw)
	if err != nil {
		return UserProfile{}, err
	}
	c.replaceProfile(ctx, user)
	return user, nil
}

// adoptProfile uses the profile in a mutation response, or reloads it from /me when
// the response carries none.
func (c *Client) adoptProfile(ctx context.Context, raw []byte) (UserProfile, error) {
	if len(raw) > 0 {
		if user, err := normalizeProfile(raw); err == nil {
			c.replaceProfile(ctx, user)
			return user, nil
		}
	}
	return c.Me(ctx)
}

func (c *Client) replaceProfile(ctx context.Context, user UserProfile) {
	c.mu.Lock()
	if !c.authenticated {
		c.mu.Unlock()
		return
	}
	c.user = cloneProfile(&user)
	c.mu.Unlock()

	c.cacheUser(ctx, user)
	c.notify(ReasonProfileUpdated)
}

func (c *Client) currentEmail() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return ""
	}
	return c.user.Email
}

func (c *Client) updateRememberedPassword(ctx context.Context, email, password string) {
	creds, err := c.vault.LoadCredentials(ctx)
	if err != nil || !creds.RememberMe || !strings.EqualFold(creds.Email, email) {
		return
	}
	if err := c.vault.UpdateSavedPassword(ctx, password); err != nil {
		c.log.Warn("update remembered password", zap.Error(err))
	}
}
