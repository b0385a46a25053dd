package server

import "fmt"

// Provider operations reported in ProviderError.Op.
const (
	OpState     = "state"
	OpAuthorize = "authorize"
	OpExchange  = "exchange"
	OpIDToken   = "id_token"
	OpUserInfo  = "userinfo"
)

// ProviderError is any failure while completing a login with the identity
// provider: a rejected or replayed code, a provider error response, a bad ID
// token or a network failure.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerError(op string, err error) error {
	return &ProviderError{Op: op, Err: err}
}
