package crash

import (
	"maps"
	"time"
)

// Well-known processed crash field names.
const (
	FieldUUID                  = "uuid"
	FieldSubmittedTimestamp    = "submitted_timestamp"
	FieldProduct               = "product"
	FieldVersion               = "version"
	FieldReleaseChannel        = "release_channel"
	FieldBuild                 = "build"
	FieldUptime                = "uptime"
	FieldJSONDump              = "json_dump"
	FieldCrashingThread        = "crashing_thread"
	FieldModulesMissingSymbols = "modules_missing_symbols"
	FieldStackwalkWarnings     = "stackwalk_warnings"
	FieldReason                = "reason"
	FieldAddress               = "address"
	FieldOSName                = "os_name"
	FieldOSVersion             = "os_version"
	FieldCPUArch               = "cpu_arch"
	FieldSignature             = "signature"
	FieldProtoSignature        = "proto_signature"
	FieldDateProcessed         = "date_processed"
	FieldStartedDatetime       = "started_datetime"
	FieldCompletedDatetime     = "completed_datetime"
	FieldProcessorNotes        = "processor_notes"
	FieldProcessorRunID        = "processor_run_id"
	FieldSuccess               = "success"
)

// ProcessingMetadataFields vary between runs over the same raw crash.
var ProcessingMetadataFields = []string{
	FieldDateProcessed,
	FieldStartedDatetime,
	FieldCompletedDatetime,
	FieldProcessorRunID,
}

// Fields is a set of processed crash values keyed by field name.
type Fields map[string]any

// ProcessedCrash is the derived document built by the rule chain.
type ProcessedCrash = Fields

// Has reports whether name is set.
func (f Fields) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// String returns name as a string, or "" when unset or of another type.
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// Int returns name as an int. JSON-decoded numbers are accepted.
func (f Fields) Int(name string) (int, bool) {
	switch v := f[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case *int:
		if v == nil {
			return 0, false
		}
		return *v, true
	}
	return 0, false
}

// StackWalk returns the typed stack walk stored under json_dump.
func (f Fields) StackWalk() (*StackWalkResult, bool) {
	r, ok := f[FieldJSONDump].(*StackWalkResult)
	return r, ok && r != nil
}

// Clone returns a shallow copy. Nested values are shared and must be treated as read-only.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	return maps.Clone(f)
}

// Without returns a copy of f with the named fields removed.
func (f Fields) Without(names ...string) Fields {
	out := f.Clone()
	for _, n := range names {
		delete(out, n)
	}
	return out
}

// Summarize flattens the fields the relational store and search index expect.
func (f Fields) Summarize(id ID, processedAt time.Time) Summary {
	s := Summary{
		CrashID:        string(id),
		Signature:      f.String(FieldSignature),
		Product:        f.String(FieldProduct),
		Version:        f.String(FieldVersion),
		ReleaseChannel: f.String(FieldReleaseChannel),
		OSName:         f.String(FieldOSName),
		CPUArch:        f.String(FieldCPUArch),
		Reason:         f.String(FieldReason),
		DateProcessed:  processedAt.UTC(),
	}
	if n, ok := f.Int(FieldCrashingThread); ok {
		s.CrashingThread = &n
	}
	if b, ok := f[FieldSuccess].(bool); ok {
		s.Success = b
	}
	return s
}
