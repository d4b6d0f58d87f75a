package gastosauth

import (
	"errors"

	"github.com/Mathchety/gastosauth/session"
	"github.com/Mathchety/gastosauth/transport"
)

// Transport taxonomy, re-exported so callers match errors with a single import.
var (
	// ErrNetwork marks a request that never reached the backend. It never forces logout.
	ErrNetwork = transport.ErrNetwork
	// ErrUnauthorized marks an access token the backend rejected.
	ErrUnauthorized = transport.ErrUnauthorized
	// ErrValidation marks a 400/422 answer. Field messages are on *transport.StatusError.
	ErrValidation = transport.ErrValidation
	// ErrConflict marks a 409 answer, e.g. a duplicate email.
	ErrConflict = transport.ErrConflict
	// ErrServer marks a 5xx answer.
	ErrServer = transport.ErrServer
	// ErrMalformedResponse marks a 2xx body the client could not interpret.
	ErrMalformedResponse = transport.ErrMalformedResponse
)

// Session errors.
var (
	// ErrRefreshFailed wraps every failed refresh flight.
	ErrRefreshFailed = session.ErrRefreshFailed
	// ErrNoRefreshToken is returned when a refresh is needed but the session has none.
	ErrNoRefreshToken = session.ErrNoRefreshToken
)

var (
	// ErrNotAuthenticated is returned by operations that need a logged-in session.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrEmailChangeCodes is returned when either email-change verification code is missing.
	ErrEmailChangeCodes = errors.New("both email change verification codes are required")
	// ErrInvalidConfig wraps every Config.Validate failure.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrBuilderUsed is returned by a second Build call.
	ErrBuilderUsed = errors.New("builder already used")
)
