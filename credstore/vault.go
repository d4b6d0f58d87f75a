package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Plaintext keys.
const (
	KeyRememberMe     = "remember_me"
	KeySavedEmail     = "saved_email"
	KeyLoginTimestamp = "login_timestamp"
	KeyUser           = "user"
)

// Secure keys.
const (
	KeySavedPassword = "saved_password"
	KeyAccessToken   = "access_token"
	KeyRefreshToken  = "refresh_token"
)

// Credentials is the remember-me record.
type Credentials struct {
	RememberMe     bool
	Email          string
	Password       string
	LoginTimestamp time.Time
}

// CanAutoLogin reports whether the record holds everything needed to log in silently.
func (c Credentials) CanAutoLogin() bool {
	return c.RememberMe && c.Email != "" && c.Password != ""
}

// Vault gives typed access to the plaintext and secure stores.
type Vault struct {
	plain  Store
	secure Store
}

// NewVault pairs a plaintext and a secure store. Passing the same unsealed store for
// both is allowed in tests only.
func NewVault(plain, secure Store) *Vault {
	return &Vault{plain: plain, secure: secure}
}

// LoadCredentials returns the remember-me record. A missing record is not an error.
func (v *Vault) LoadCredentials(ctx context.Context) (Credentials, error) {
	flag, _, err := v.plain.Get(ctx, KeyRememberMe)
	if err != nil {
		return Credentials{}, err
	}
	if flag != "true" {
		return Credentials{}, nil
	}

	creds := Credentials{RememberMe: true}
	if creds.Email, _, err = v.plain.Get(ctx, KeySavedEmail); err != nil {
		return Credentials{}, err
	}
	if ts, ok, err := v.plain.Get(ctx, KeyLoginTimestamp); err != nil {
		return Credentials{}, err
	} else if ok {
		creds.LoginTimestamp, _ = time.Parse(time.RFC3339, ts)
	}
	if creds.Password, _, err = v.secure.Get(ctx, KeySavedPassword); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// SaveCredentials writes c when RememberMe is set and clears the record otherwise.
func (v *Vault) SaveCredentials(ctx context.Context, c Credentials) error {
	if !c.RememberMe {
		return v.ClearCredentials(ctx)
	}
	if c.LoginTimestamp.IsZero() {
		c.LoginTimestamp = time.Now()
	}

	if err := v.secure.Set(ctx, KeySavedPassword, c.Password); err != nil {
		return fmt.Errorf("save password: %w", err)
	}
	err := setMany(ctx, v.plain, map[string]string{
		KeyRememberMe:     "true",
		KeySavedEmail:     c.Email,
		KeyLoginTimestamp: c.LoginTimestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// UpdateSavedEmail rewrites the remembered email if a record exists.
func (v *Vault) UpdateSavedEmail(ctx context.Context, email string) error {
	flag, _, err := v.plain.Get(ctx, KeyRememberMe)
	if err != nil || flag != "true" {
		return err
	}
	return v.plain.Set(ctx, KeySavedEmail, email)
}

// UpdateSavedPassword rewrites the remembered password if a record exists.
func (v *Vault) UpdateSavedPassword(ctx context.Context, password string) error {
	flag, _, err := v.plain.Get(ctx, KeyRememberMe)
	if err != nil || flag != "true" {
		return err
	}
	return v.secure.Set(ctx, KeySavedPassword, password)
}

// ClearCredentials removes the remember-me record from both stores.
func (v *Vault) ClearCredentials(ctx context.Context) error {
	return errors.Join(
		v.plain.Delete(ctx, KeyRememberMe, KeySavedEmail, KeyLoginTimestamp),
		v.secure.Delete(ctx, KeySavedPassword),
	)
}

// LoadTokens returns the persisted token pair; absent tokens are empty strings.
func (v *Vault) LoadTokens(ctx context.Context) (access, refresh string, err error) {
	if access, _, err = v.secure.Get(ctx, KeyAccessToken); err != nil {
		return "", "", err
	}
	if refresh, _, err = v.secure.Get(ctx, KeyRefreshToken); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// SaveTokens writes the pair. An empty token deletes its key.
func (v *Vault) SaveTokens(ctx context.Context, access, refresh string) error {
	values := map[string]string{}
	var drop []string
	if access != "" {
		values[KeyAccessToken] = access
	} else {
		drop = append(drop, KeyAccessToken)
	}
	if refresh != "" {
		values[KeyRefreshToken] = refresh
	} else {
		drop = append(drop, KeyRefreshToken)
	}

	if err := setMany(ctx, v.secure, values); err != nil {
		return err
	}
	if len(drop) > 0 {
		return v.secure.Delete(ctx, drop...)
	}
	return nil
}

// ClearTokens removes the persisted pair.
func (v *Vault) ClearTokens(ctx context.Context) error {
	return v.secure.Delete(ctx, KeyAccessToken, KeyRefreshToken)
}

// LoadUser returns the cached profile JSON, or nil.
func (v *Vault) LoadUser(ctx context.Context) ([]byte, error) {
	raw, ok, err := v.plain.Get(ctx, KeyUser)
	if err != nil || !ok {
		return nil, err
	}
	return []byte(raw), nil
}

// SaveUser caches the profile JSON.
func (v *Vault) SaveUser(ctx context.Context, raw []byte) error {
	return v.plain.Set(ctx, KeyUser, string(raw))
}

// ClearUser drops the cached profile.
func (v *Vault) ClearUser(ctx context.Context) error {
	return v.plain.Delete(ctx, KeyUser)
}

// ClearAll removes every key the Vault owns. Each store is attempted even if the
// other fails.
func (v *Vault) ClearAll(ctx context.Context) error {
	return errors.Join(
		v.ClearCredentials(ctx),
		v.ClearTokens(ctx),
		v.ClearUser(ctx),
	)
}
