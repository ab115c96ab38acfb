package flashbots

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport is a network or HTTP level failure, it's never retried by the client
	ErrTransport = errors.New("relay transport error")
	// ErrRelayProtocol is a malformed or error bearing JSON-RPC response
	ErrRelayProtocol = errors.New("relay protocol error")
	// ErrAuthorization means the relay rejected the signing identity
	ErrAuthorization = errors.New("relay authorization error")
	// ErrChainQuery is a chain RPC failure while watching a bundle
	ErrChainQuery = errors.New("chain query failed")
	// ErrBundleNotIncluded is not a failure: the target block was mined without the bundle
	ErrBundleNotIncluded = errors.New("bundle not included in target block")

	ErrEmptyBundle      = errors.New("bundle has no transactions")
	ErrMissingBlock     = errors.New("bundle has no target block")
	ErrBlockUnavailable = errors.New("target block is not available")
	ErrNoRelays         = errors.New("no relays configured")
)

// RelayError is returned by every relay call. Kind is one of ErrTransport, ErrRelayProtocol or ErrAuthorization.
type RelayError struct {
	Kind       error
	Relay      string
	Method     string
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *RelayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Method, e.Kind)
	if e.Relay != "" {
		fmt.Fprintf(&b, " (relay %s)", e.Relay)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ", http status %d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ", code %d: %s", e.Code, e.Message)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	return b.String()
}

func (e *RelayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// isAuthorizationMessage matches the messages relays use when the signature header is missing or rejected
func isAuthorizationMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"signature", "unauthorized", "not authorized", "forbidden"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
