// Package jsonrpcserver exposes functions like:
// func Foo(context, int) (int, error)
// as relay JSON RPC methods.
//
// Requests are authenticated the way Flashbots relays do it: the X-Flashbots-Signature header carries
// "<address>:<signature>" over the exact request body. The recovered address is available to methods via GetSigner.
package jsonrpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/signature"
	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const (
	SignatureHeader = "X-Flashbots-Signature"

	maxRequestBodySize = 30 * 1024 * 1024
)

var (
	ErrMissingSignature  = errors.New("missing x-flashbots-signature header")
	ErrInvalidSignature  = errors.New("invalid flashbots signature")
	ErrSignerNotAllowed  = errors.New("signer is not authorized")
	ErrRequestBodyTooBig = errors.New("request body is too big")
)

type signerKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Methods map[string]interface{}

type HandlerOpts struct {
	Log *zap.Logger
	// RequireSignature rejects requests without a valid X-Flashbots-Signature with http 403
	RequireSignature bool
	// AllowedSigners, if not empty, restricts which addresses may call the methods
	AllowedSigners []common.Address
}

type Handler struct {
	log              *zap.Logger
	methods          map[string]methodHandler
	requireSignature bool
	allowed          map[common.Address]struct{}
}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(opts HandlerOpts, methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler)
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	var allowed map[common.Address]struct{}
	if len(opts.AllowedSigners) > 0 {
		allowed = make(map[common.Address]struct{}, len(opts.AllowedSigners))
		for _, a := range opts.AllowedSigners {
			allowed[a] = struct{}{}
		}
	}
	return &Handler{
		log:              log,
		methods:          m,
		requireSignature: opts.RequireSignature || allowed != nil,
		allowed:          allowed,
	}, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  nil,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
			Data:    nil,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}
	if len(body) > maxRequestBodySize {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		writeJSONRPCError(w, nil, CodeInvalidRequest, ErrRequestBodyTooBig.Error())
		return
	}

	// read request
	var req JSONRPCRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		default:
			writeJSONRPCError(w, req.ID, CodeParseError, "invalid id type")
			return
		}
	}

	signer, err := h.authenticate(r.Header.Get(SignatureHeader), body)
	if err != nil {
		h.log.Debug("Rejected request", zap.String("method", req.Method), zap.Error(err))
		w.WriteHeader(http.StatusForbidden)
		writeJSONRPCError(w, req.ID, CodeInvalidRequest, err.Error())
		return
	}
	ctx := context.WithValue(r.Context(), signerKey{}, signer)

	// get method
	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	// call method
	result, err := method.call(ctx, req.Params)
	if err != nil {
		writeJSONRPCError(w, req.ID, errorCode(err), errorMessage(err))
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	// write response
	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
		Error:   nil,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func errorCode(err error) int {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	case errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams
	default:
		return CodeCustomError
	}
}

func errorMessage(err error) string {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Message
	}
	if errors.Is(err, ErrInvalidParams) {
		// drop the sentinel prefix, callers only need the decoding error
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			errs := joined.Unwrap()
			return errs[len(errs)-1].Error()
		}
	}
	return err.Error()
}

// authenticate recovers the signer from the header. Unsigned requests pass with a zero signer unless signatures are required.
func (h *Handler) authenticate(header string, body []byte) (common.Address, error) {
	if header == "" {
		if h.requireSignature {
			return common.Address{}, ErrMissingSignature
		}
		return common.Address{}, nil
	}

	signer, err := signature.Verify(header, body)
	if err != nil {
		return common.Address{}, errors.Join(ErrInvalidSignature, err)
	}
	if h.allowed != nil {
		if _, ok := h.allowed[signer]; !ok {
			return common.Address{}, ErrSignerNotAllowed
		}
	}
	return signer, nil
}

// GetSigner returns the verified address that signed the request body
func GetSigner(ctx context.Context) common.Address {
	value, ok := ctx.Value(signerKey{}).(common.Address)
	if !ok {
		return common.Address{}
	}
	return value
}
