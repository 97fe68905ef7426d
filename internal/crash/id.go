package crash

import (
	"fmt"
	"regexp"
	"time"
)

// ID is the opaque identifier of one crash submission.
type ID string

var validID = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// ooid is the Socorro crash id shape: a UUID whose last six characters are the
// submission date as yymmdd.
var ooid = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{6}([0-9]{6})$`)

// ParseID validates raw and returns it as an ID.
func ParseID(raw string) (ID, error) {
	if !validID.MatchString(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return ID(raw), nil
}

func (id ID) String() string {
	return string(id)
}

// SubmissionDate returns the date encoded in an ooid-shaped id.
func (id ID) SubmissionDate() (time.Time, bool) {
	m := ooid.FindStringSubmatch(string(id))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("060102", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// RawCrashKey is the storage key of the raw annotations document.
// Ids without an encoded date are stored under the "undated" partition.
func RawCrashKey(id ID) string {
	if t, ok := id.SubmissionDate(); ok {
		return fmt.Sprintf("v1/raw_crash/%s/%s", t.Format("20060102"), id)
	}
	return fmt.Sprintf("v1/raw_crash/undated/%s", id)
}

// DumpNamesKey is the storage key of the JSON list of dump names.
func DumpNamesKey(id ID) string {
	return fmt.Sprintf("v1/dump_names/%s", id)
}

// DumpKey is the storage key of one dump attachment.
func DumpKey(id ID, name string) string {
	if name == "" || name == DefaultDumpName {
		return fmt.Sprintf("v1/dump/%s", id)
	}
	return fmt.Sprintf("v1/%s/%s", name, id)
}

// ProcessedCrashKey is the storage key of the processed crash document.
func ProcessedCrashKey(id ID) string {
	return fmt.Sprintf("v1/processed_crash/%s", id)
}
