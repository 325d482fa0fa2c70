package appserver

import (
	"errors"
	"fmt"
	"strings"
)

// RPCError is a JSON-RPC error object returned by the app-server. It is
// scoped to the request that triggered it; the process and other in-flight
// requests are unaffected.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("app-server rpc error %d: %s", e.Code, e.Message)
}

// IsThreadNotLoaded reports whether the error is the app-server's complaint
// that a thread is not resident in memory. Codex signals this with an
// invalid-request code plus a recognizable message, and the caller is expected
// to resume the thread and retry once.
func IsThreadNotLoaded(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	if rpcErr.Code != -32600 {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "thread not loaded") || strings.Contains(msg, "conversation not found")
}
