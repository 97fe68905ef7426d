// Package crash defines core types shared across the processing subsystems.
package crash

import (
	"time"
)

// DefaultDumpName is the attachment name collectors use for the primary minidump.
const DefaultDumpName = "upload_file_minidump"

// RawCrash is the as-submitted bundle for one crash: annotations plus dump references.
// Dump contents are never held here; they are streamed from the artifact store on demand.
type RawCrash struct {
	ID          ID                `json:"uuid"`
	Annotations map[string]string `json:"annotations"`
	Dumps       []DumpRef         `json:"dumps"`
}

// DumpRef names one binary attachment of a raw crash.
type DumpRef struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Annotation returns the trimmed annotation value for key.
func (r *RawCrash) Annotation(key string) (string, bool) {
	if r == nil || r.Annotations == nil {
		return "", false
	}
	v, ok := r.Annotations[key]
	return v, ok
}

// PrimaryDump returns the dump the stackwalker should run against.
func (r *RawCrash) PrimaryDump() (DumpRef, bool) {
	if r == nil || len(r.Dumps) == 0 {
		return DumpRef{}, false
	}
	for _, d := range r.Dumps {
		if d.Name == DefaultDumpName {
			return d, true
		}
	}
	return r.Dumps[0], true
}

// WorkItem is the decoded payload of one queue message.
type WorkItem struct {
	CrashID     ID                `json:"crash_id"`
	SubmittedAt time.Time         `json:"submitted_at,omitempty"`
	Reprocess   bool              `json:"reprocess,omitempty"`
	Attributes  map[string]string `json:"-"`
}

// SymbolRef identifies one debug-symbol file.
type SymbolRef struct {
	Module  string `json:"module" msgpack:"module"`
	DebugID string `json:"debug_id" msgpack:"debug_id"`
}

// Key returns the cache key for the reference.
func (r SymbolRef) Key() string {
	return r.Module + "/" + r.DebugID
}

// SymbolFile is a resolved symbol file staged on local disk.
type SymbolFile struct {
	Ref    SymbolRef
	Path   string
	Size   int64
	Digest string
}

// Summary is the flattened subset of a processed crash written to the relational
// store and the search index.
type Summary struct {
	CrashID        string    `json:"crash_id"`
	Signature      string    `json:"signature"`
	Product        string    `json:"product"`
	Version        string    `json:"version"`
	ReleaseChannel string    `json:"release_channel"`
	OSName         string    `json:"os_name"`
	CPUArch        string    `json:"cpu_arch"`
	Reason         string    `json:"reason"`
	CrashingThread *int      `json:"crashing_thread"`
	DateProcessed  time.Time `json:"date_processed"`
	Success        bool      `json:"success"`
}
