package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// JSON-RPC error codes used at the transport boundary.
const (
	codeInvalidRequest = -32600
	codeInternalError  = -32603
	codeSessionUnknown = -32001
)

const maxBodyBytes = 4 << 20

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcErrorEnvelope struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      any          `json:"id"`
	Error   rpcErrorBody `json:"error"`
}

func writeRPCError(w http.ResponseWriter, httpStatus, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(rpcErrorEnvelope{
		JSONRPC: "2.0",
		Error:   rpcErrorBody{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// requestMethod peeks at the JSON-RPC method without full validation;
// the engine performs the real parse.
func requestMethod(raw []byte) string {
	var peek struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return peek.Method
}

// isEmptyPayload reports a body that is blank or an empty object, which
// is rejected with a descriptive error instead of being dispatched.
func isEmptyPayload(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}"))
}

// isErrorResponse reports whether a marshaled engine response carries a
// JSON-RPC error.
func isErrorResponse(raw []byte) bool {
	var peek struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return false
	}
	return len(peek.Error) > 0
}
