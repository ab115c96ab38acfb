package flashbots

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/signature"
)

var ErrNilAuthenticator = errors.New("relay authenticator is nil")

// Authenticator holds the searcher identity used to authenticate against the relay.
// It's not a transaction signer: the key only signs request bodies and is never serialized or logged.
type Authenticator struct {
	signer *signature.Signer
}

func NewAuthenticator(key *ecdsa.PrivateKey) *Authenticator {
	signer := signature.NewSigner(key)
	return &Authenticator{signer: &signer}
}

func NewAuthenticatorFromHex(hexKey string) (*Authenticator, error) {
	signer, err := signature.NewSignerFromHexPrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &Authenticator{signer: signer}, nil
}

// NewRandomAuthenticator generates a fresh identity, useful for relays that don't require reputation
func NewRandomAuthenticator() (*Authenticator, error) {
	signer, err := signature.NewRandomSigner()
	if err != nil {
		return nil, err
	}
	return &Authenticator{signer: signer}, nil
}

func (a *Authenticator) Address() common.Address {
	return a.signer.Address()
}

// Sign returns the X-Flashbots-Signature header value for the exact body bytes
func (a *Authenticator) Sign(body []byte) (string, error) {
	return a.signer.Create(body)
}

func (a *Authenticator) String() string {
	return a.Address().Hex()
}

// signingTransport signs every outgoing request body right before it hits the wire
type signingTransport struct {
	auth *Authenticator
	base http.RoundTripper
}

func newSigningTransport(auth *Authenticator, base http.RoundTripper) *signingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &signingTransport{auth: auth, base: base}
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	header, err := t.auth.Sign(body)
	if err != nil {
		return nil, err
	}

	signed := req.Clone(req.Context())
	signed.Header.Set(SignatureHeader, header)
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return t.base.RoundTrip(signed)
}
