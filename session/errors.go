package session

import "errors"

var (
	// ErrNoRefreshToken is returned when a refresh is requested without a refresh token.
	ErrNoRefreshToken = errors.New("session: no refresh token")
	// ErrRefreshFailed wraps every error produced by the refresh endpoint call.
	ErrRefreshFailed = errors.New("session: refresh failed")
	// ErrEmptyAccessToken is wrapped into ErrRefreshFailed when the backend answers
	// without an access token.
	ErrEmptyAccessToken = errors.New("session: refresh returned empty access token")
)
