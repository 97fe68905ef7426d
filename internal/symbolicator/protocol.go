package symbolicator

import (
	"encoding/json"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// Message types exchanged with the stackwalker over stdout/stdin, one JSON
// object per line.
const (
	TypeSymbolRequest  = "symbol_request"
	TypeSymbolResponse = "symbol_response"
	TypeWarning        = "warning"
	TypeResult         = "result"
)

// envelope is the common shape of every tool message; fields not used by a
// message type are left empty.
type envelope struct {
	Type    string `json:"type"`
	Module  string `json:"module,omitempty"`
	DebugID string `json:"debug_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// SymbolResponse answers one symbol_request.
type SymbolResponse struct {
	Type    string `json:"type"`
	Module  string `json:"module"`
	DebugID string `json:"debug_id"`
	Found   bool   `json:"found"`
	Path    string `json:"path,omitempty"`
}

// Result is the final report the tool emits.
type Result struct {
	Type           string           `json:"type"`
	CrashingThread *int             `json:"crashing_thread"`
	Threads        []crash.Thread   `json:"threads"`
	CrashInfo      crash.CrashInfo  `json:"crash_info"`
	SystemInfo     crash.SystemInfo `json:"system_info"`
	Modules        []crash.Module   `json:"modules"`
}

func decodeResult(line []byte) (*crash.StackWalkResult, error) {
	var r Result
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, err
	}
	return &crash.StackWalkResult{
		CrashingThread: r.CrashingThread,
		Threads:        r.Threads,
		CrashInfo:      r.CrashInfo,
		SystemInfo:     r.SystemInfo,
		Modules:        r.Modules,
	}, nil
}
