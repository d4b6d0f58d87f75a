package gastosauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Mathchety/gastosauth/credstore"
	"github.com/Mathchety/gastosauth/session"
	"github.com/Mathchety/gastosauth/transport"
)

// tokenPersister stores the session pair in the Vault's secure store.
type tokenPersister struct {
	vault *credstore.Vault
}

func (p tokenPersister) LoadTokens(ctx context.Context) (session.TokenPair, error) {
	access, refresh, err := p.vault.LoadTokens(ctx)
	if err != nil {
		return session.TokenPair{}, err
	}
	return session.TokenPair{Access: access, Refresh: refresh}, nil
}

func (p tokenPersister) SaveTokens(ctx context.Context, pair session.TokenPair) error {
	return p.vault.SaveTokens(ctx, pair.Access, pair.Refresh)
}

func (p tokenPersister) ClearTokens(ctx context.Context) error {
	return p.vault.ClearTokens(ctx)
}

// endpointRefresher calls the refresh endpoint. The request is unauthenticated so a
// rejected refresh token never recurses into another refresh.
type endpointRefresher struct {
	http *transport.Client
	path string
}

func (r endpointRefresher) Refresh(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	var raw json.RawMessage
	err := r.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   r.path,
		Body:   map[string]string{"refreshToken": refreshToken},
	}, &raw)
	if err != nil {
		return session.TokenPair{}, err
	}
	p, err := normalizeAuthPayload(raw)
	if err != nil {
		return session.TokenPair{}, fmt.Errorf("refresh response: %w", err)
	}
	return session.TokenPair{Access: p.AccessToken, Refresh: p.RefreshToken}, nil
}
