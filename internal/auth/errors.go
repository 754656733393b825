package auth

// TokenError reports why bearer token verification failed. Code is one of
// a small closed set so callers can log precisely while returning a generic
// 401 message to the client — per spec, the failure reason beyond these
// categories is never surfaced.
type TokenError struct {
	Code    string // "expired", "bad_signature", "wrong_audience", "invalid_token"
	Message string
}

func (e *TokenError) Error() string { return e.Message }

func newAuthError(code, message string) *TokenError {
	return &TokenError{Code: code, Message: message}
}
