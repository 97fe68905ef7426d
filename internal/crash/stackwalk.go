package crash

// StackWalkResult is the parsed output of one stackwalker run.
type StackWalkResult struct {
	CrashingThread *int        `json:"crashing_thread"`
	Threads        []Thread    `json:"threads"`
	CrashInfo      CrashInfo   `json:"crash_info"`
	SystemInfo     SystemInfo  `json:"system_info"`
	Modules        []Module    `json:"modules,omitempty"`
	MissingSymbols []SymbolRef `json:"missing_symbols,omitempty"`
	Warnings       []string    `json:"warnings,omitempty"`
	ExitCode       int         `json:"exit_code"`
}

// Thread is an ordered list of frames, innermost first.
type Thread struct {
	Frames []Frame `json:"frames"`
}

// Frame is one stack frame. Symbol is nil when the module had no symbols.
type Frame struct {
	Module string  `json:"module,omitempty"`
	Offset string  `json:"offset"`
	Symbol *string `json:"symbol"`
}

// CrashInfo describes the exception that terminated the process.
type CrashInfo struct {
	Type    string `json:"type,omitempty"`
	Address string `json:"address,omitempty"`
}

// SystemInfo describes the host the crash happened on.
type SystemInfo struct {
	OS      string `json:"os,omitempty"`
	OSVer   string `json:"os_ver,omitempty"`
	CPUArch string `json:"cpu_arch,omitempty"`
}

// Module is one loaded module as reported by the stackwalker.
type Module struct {
	Filename string `json:"filename"`
	DebugID  string `json:"debug_id,omitempty"`
	Loaded   bool   `json:"loaded_symbols"`
}

// CrashingFrames returns the frames of the crashing thread, if one was identified.
func (r *StackWalkResult) CrashingFrames() ([]Frame, bool) {
	if r == nil || r.CrashingThread == nil {
		return nil, false
	}
	idx := *r.CrashingThread
	if idx < 0 || idx >= len(r.Threads) {
		return nil, false
	}
	return r.Threads[idx].Frames, true
}
