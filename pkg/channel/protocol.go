// Package channel implements the Manager<->Worker Channel: a bidirectional json RPC carried over a gorilla/websocket
// connection, with a handshake, a dispatch-table allowlist on the
// Worker side, and a reconnect budget with backoff.
package channel

import "github.com/tunequeue/tunequeue/pkg/types"

// WorkerAuth is the first frame a Worker sends after the socket opens.
type WorkerAuth struct {
	Name         string `json:"name"`
	SessionToken uint64 `json:"session_token"`
}

// CommandResult is the Manager's handshake reply.
type CommandResult struct {
	Result types.ResultCode `json:"result"`
}

// RPCRequest is a Manager-to-Worker call frame.
type RPCRequest struct {
	Method string         `json:"method"`
	Kwargs map[string]any `json:"kwargs"`
}

// RPCReply is a Worker-to-Manager reply frame. Payload carries the
// method-specific return value (e.g. a completed test's opaque result
// string); JobID echoes the request's job_id kwarg so the Manager can
// correlate asynchronous replies without per-request ids.
type RPCReply struct {
	Result  types.ResultCode `json:"result"`
	JobID   int64            `json:"job_id,omitempty"`
	Payload string           `json:"payload,omitempty"`
}

// Methods the Manager invokes over the channel. The Worker's dispatch
// table allowlist is keyed by these names.
const (
	RunSingleTestMethod = "run_single_test"
	ConfigureTaskMethod = "configure_task"
)

// Int64Kwarg extracts an integer kwarg, which arrives as a float64
// after a json round-trip through map[string]any.
func Int64Kwarg(kwargs map[string]any, key string) int64 {
	switch v := kwargs[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// StringKwarg extracts a string kwarg, or "" when absent.
func StringKwarg(kwargs map[string]any, key string) string {
	s, _ := kwargs[key].(string)
	return s
}

// MapKwarg extracts a nested json object kwarg, or nil when absent.
func MapKwarg(kwargs map[string]any, key string) map[string]any {
	m, _ := kwargs[key].(map[string]any)
	return m
}

// SelectionKwarg reassembles a SelectionMap kwarg from its post-json
// shape (map[string]any whose values are []any of strings).
func SelectionKwarg(kwargs map[string]any, key string) types.SelectionMap {
	raw, ok := kwargs[key].(map[string]any)
	if !ok {
		return types.SelectionMap{}
	}
	out := make(types.SelectionMap, len(raw))
	for fq, v := range raw {
		entries, ok := v.([]any)
		if !ok {
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if s, ok := e.(string); ok {
				names = append(names, s)
			}
		}
		out[fq] = names
	}
	return out
}

func jobIDFromKwargs(kwargs map[string]any) int64 {
	return Int64Kwarg(kwargs, "job_id")
}
