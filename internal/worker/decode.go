package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// Message attribute keys.
const (
	AttrCrashID   = "crash_id"
	AttrReprocess = "reprocess"
	AttrStage     = "stage"
	AttrKind      = "kind"
	AttrCause     = "cause"
	AttrAttempt   = "attempt"
	AttrRunID     = "run_id"
)

// DecodeItem reads a work item from a message body and its attributes. The
// body is either a JSON object or a bare crash id; a crash_id attribute is used
// when the body is empty.
func DecodeItem(data []byte, attrs map[string]string) (crash.WorkItem, error) {
	var item crash.WorkItem
	body := bytes.TrimSpace(data)
	switch {
	case len(body) > 0 && body[0] == '{':
		if err := json.Unmarshal(body, &item); err != nil {
			return crash.WorkItem{}, fmt.Errorf("decode payload: %w", err)
		}
	case len(body) > 0:
		item.CrashID = crash.ID(body)
	default:
		item.CrashID = crash.ID(strings.TrimSpace(attrs[AttrCrashID]))
	}
	if v, ok := attrs[AttrReprocess]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return crash.WorkItem{}, fmt.Errorf("decode %s attribute: %w", AttrReprocess, err)
		}
		item.Reprocess = item.Reprocess || b
	}
	id, err := crash.ParseID(string(item.CrashID))
	if err != nil {
		return crash.WorkItem{}, err
	}
	item.CrashID = id
	item.Attributes = maps.Clone(attrs)
	return item, nil
}

// Submit publishes item to topic in the form DecodeItem reads back.
func Submit(ctx context.Context, pub crash.Publisher, topic string, item crash.WorkItem) (string, error) {
	if _, err := crash.ParseID(string(item.CrashID)); err != nil {
		return "", err
	}
	attrs := maps.Clone(item.Attributes)
	if attrs == nil {
		attrs = make(map[string]string, 2)
	}
	attrs[AttrCrashID] = item.CrashID.String()
	if item.Reprocess {
		attrs[AttrReprocess] = "true"
	}
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	id, err := pub.Publish(ctx, topic, body, attrs)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", item.CrashID, err)
	}
	return id, nil
}
