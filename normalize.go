package gastosauth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// authPayload is the canonical form of login, register and refresh responses.
type authPayload struct {
	AccessToken  string
	RefreshToken string
	// Legacy is set for single-token responses that carry no refresh token.
	Legacy bool
	User   *UserProfile
}

var (
	accessKeys  = []string{"accessToken", "access_token"}
	refreshKeys = []string{"refreshToken", "refresh_token"}
	legacyKeys  = []string{"token"}
	createdKeys = []string{"createdAt", "created_at"}
)

// normalizeAuthPayload accepts {accessToken, refreshToken, user?}, the snake_case
// variant, the legacy {token, user?}, and any of these wrapped in {data}.
func normalizeAuthPayload(raw []byte) (authPayload, error) {
	fields, err := objectFields(raw)
	if err != nil {
		return authPayload{}, err
	}
	if inner, ok := fields["data"]; ok && !hasAny(fields, accessKeys, legacyKeys) {
		if innerFields, err := objectFields(inner); err == nil {
			fields = innerFields
		}
	}

	var p authPayload
	p.AccessToken = stringField(fields, accessKeys...)
	p.RefreshToken = stringField(fields, refreshKeys...)
	if p.AccessToken == "" {
		p.AccessToken = stringField(fields, legacyKeys...)
	}
	if p.AccessToken == "" {
		return authPayload{}, fmt.Errorf("%w: no access token in auth response", ErrMalformedResponse)
	}
	p.Legacy = p.RefreshToken == ""

	if u, ok := fields["user"]; ok && !isNull(u) {
		if profile, err := normalizeProfile(u); err == nil {
			p.User = &profile
		}
	}
	return p, nil
}

// normalizeProfile accepts the profile directly or wrapped in {user} or {data}.
func normalizeProfile(raw []byte) (UserProfile, error) {
	fields, err := objectFields(raw)
	if err != nil {
		return UserProfile{}, err
	}
	for depth := 0; depth < 2; depth++ {
		if _, ok := fields["id"]; ok {
			break
		}
		next, ok := fields["user"]
		if !ok {
			next, ok = fields["data"]
		}
		if !ok {
			break
		}
		if fields, err = objectFields(next); err != nil {
			return UserProfile{}, err
		}
	}

	var p UserProfile
	p.fromFields(fields)
	if p.ID == "" && p.Email == "" {
		return UserProfile{}, fmt.Errorf("%w: profile has neither id nor email", ErrMalformedResponse)
	}
	return p, nil
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (p *UserProfile) UnmarshalJSON(b []byte) error {
	fields, err := objectFields(b)
	if err != nil {
		return err
	}
	*p = UserProfile{}
	p.fromFields(fields)
	return nil
}

// MarshalJSON writes Extra back alongside the known fields.
func (p UserProfile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["id"] = p.ID
	out["name"] = p.Name
	out["email"] = p.Email
	if !p.CreatedAt.IsZero() {
		out["createdAt"] = p.CreatedAt.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func (p *UserProfile) fromFields(fields map[string]json.RawMessage) {
	p.ID = idField(fields["id"])
	if p.ID == "" {
		p.ID = idField(fields["_id"])
	}
	p.Name = stringField(fields, "name")
	p.Email = stringField(fields, "email")
	if ts := stringField(fields, createdKeys...); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.CreatedAt = t
		}
	}

	known := map[string]bool{"id": true, "_id": true, "name": true, "email": true}
	for _, k := range createdKeys {
		known[k] = true
	}
	for k, v := range fields {
		if known[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
}

func objectFields(raw []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedResponse)
	}
	return fields, nil
}

func hasAny(fields map[string]json.RawMessage, keySets ...[]string) bool {
	for _, keys := range keySets {
		for _, k := range keys {
			if _, ok := fields[k]; ok {
				return true
			}
		}
	}
	return false
}

func stringField(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// idField accepts string and numeric ids.
func idField(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return strings.TrimSpace(n.String())
	}
	return ""
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
