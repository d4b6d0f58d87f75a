package authtest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
)

func post(t *testing.T, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func expectStatus(t *testing.T, what string, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s: expected status %d, got %d", what, want, resp.StatusCode)
	}
}

func TestLoginRefreshRotation(t *testing.T) {
	s := New()
	defer s.Close()
	s.Seed("Ana", "ana@example.com", "secret1")

	resp, out := post(t, s.URL+"/login", "", map[string]string{"email": "ana@example.com", "password": "secret1"})
	expectStatus(t, "login", resp, http.StatusOK)
	refresh, _ := out["refreshToken"].(string)
	access, _ := out["accessToken"].(string)
	if refresh == "" || access == "" {
		t.Fatalf("expected both tokens, got %v", out)
	}

	resp, out = post(t, s.URL+"/auth/refresh", "", map[string]string{"refreshToken": refresh})
	expectStatus(t, "refresh", resp, http.StatusOK)
	if rotated, _ := out["refreshToken"].(string); rotated == "" || rotated == refresh {
		t.Fatalf("expected a rotated refresh token, got %q", rotated)
	}

	resp, _ = post(t, s.URL+"/auth/refresh", "", map[string]string{"refreshToken": refresh})
	expectStatus(t, "refresh with rotated-out token", resp, http.StatusUnauthorized)
	if got := s.RefreshCalls(); got != 2 {
		t.Fatalf("expected 2 refresh calls, got %d", got)
	}
}

func TestExpireAccessTokens(t *testing.T) {
	s := New()
	defer s.Close()
	s.Seed("Ana", "ana@example.com", "secret1")

	_, out := post(t, s.URL+"/login", "", map[string]string{"email": "ana@example.com", "password": "secret1"})
	access := out["accessToken"].(string)

	resp, _ := post(t, s.URL+"/auth/change-password", access, map[string]string{"currentPassword": "wrong", "newPassword": "secret2"})
	expectStatus(t, "wrong current password", resp, http.StatusBadRequest)

	s.ExpireAccessTokens()
	resp, _ = post(t, s.URL+"/auth/change-password", access, map[string]string{"currentPassword": "secret1", "newPassword": "secret2"})
	expectStatus(t, "expired access token", resp, http.StatusUnauthorized)
}

func TestRegisterConflictAndLegacyShape(t *testing.T) {
	s := New()
	defer s.Close()
	s.SetLegacyLogin(true)

	resp, out := post(t, s.URL+"/register", "", map[string]string{"name": "Bo", "email": "bo@example.com", "password": "secret1"})
	expectStatus(t, "register", resp, http.StatusCreated)
	if out["token"] == nil || out["refreshToken"] != nil {
		t.Fatalf("expected legacy single-token payload, got %v", out)
	}

	resp, _ = post(t, s.URL+"/register", "", map[string]string{"name": "Bo", "email": "bo@example.com", "password": "secret1"})
	expectStatus(t, "duplicate register", resp, http.StatusConflict)
}

func TestEmailChangeRequiresBothCodes(t *testing.T) {
	s := New()
	defer s.Close()
	s.Seed("Ana", "ana@example.com", "secret1")
	_, out := post(t, s.URL+"/login", "", map[string]string{"email": "ana@example.com", "password": "secret1"})
	access := out["accessToken"].(string)

	resp, _ := post(t, s.URL+"/user/request-email-change", access, map[string]string{"newEmail": "ana2@example.com"})
	expectStatus(t, "request email change", resp, http.StatusOK)
	oldCode, newCode := s.EmailChangeCodes("ana@example.com")
	if oldCode == "" || newCode == "" {
		t.Fatal("expected both verification codes to be issued")
	}

	resp, _ = post(t, s.URL+"/user/confirm-email-change", access, map[string]string{
		"newEmail": "ana2@example.com", "tokenOldEmail": oldCode, "tokenNewEmail": "nope",
	})
	expectStatus(t, "confirm with wrong new code", resp, http.StatusBadRequest)
	if _, ok := s.User("ana2@example.com"); ok {
		t.Fatal("a failed confirmation must not change the email")
	}

	resp, _ = post(t, s.URL+"/user/confirm-email-change", access, map[string]string{
		"newEmail": "ana2@example.com", "tokenOldEmail": oldCode, "tokenNewEmail": newCode,
	})
	expectStatus(t, "confirm with both codes", resp, http.StatusOK)
	if _, ok := s.User("ana2@example.com"); !ok {
		t.Fatal("expected the account under the new email")
	}
}
