// Package artifact reads raw crashes from and writes processed crashes to a
// blob store using the Socorro key layout.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

const jsonContentType = "application/json"

// Store is the artifact store client used by the pipeline.
type Store struct {
	blobs  crash.BlobStore
	retry  *crash.RetryPolicy
	logger *zap.Logger
}

// New wires a Store over blobs. A nil retry policy uses the default.
func New(blobs crash.BlobStore, retry *crash.RetryPolicy, logger *zap.Logger) (*Store, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if retry == nil {
		retry = crash.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, retry: retry, logger: logger.Named("artifact")}, nil
}

// Fetch loads the raw crash annotations and dump references for id.
// A missing raw crash is a permanent failure; other read errors are retried
// and reported transient once attempts run out.
func (s *Store) Fetch(ctx context.Context, id crash.ID) (*crash.RawCrash, error) {
	var annotations map[string]string
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		body, err := s.read(ctx, crash.RawCrashKey(id))
		if err != nil {
			return err
		}
		annotations, err = decodeAnnotations(body)
		if err != nil {
			return crash.Permanent(crash.StageFetch, fmt.Errorf("decode raw crash %s: %w", id, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var names []string
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		body, err := s.read(ctx, crash.DumpNamesKey(id))
		if err != nil {
			if errors.Is(err, crash.ErrObjectNotFound) {
				names = nil
				return nil
			}
			return err
		}
		if err := json.Unmarshal(body, &names); err != nil {
			return crash.Permanent(crash.StageFetch, fmt.Errorf("decode dump names %s: %w", id, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw := &crash.RawCrash{ID: id, Annotations: annotations}
	for _, name := range names {
		raw.Dumps = append(raw.Dumps, crash.DumpRef{Name: name, Key: crash.DumpKey(id, name)})
	}
	s.logger.Debug("fetched raw crash",
		zap.String("crash_id", id.String()),
		zap.Int("annotations", len(annotations)),
		zap.Int("dumps", len(raw.Dumps)),
	)
	return raw, nil
}

// OpenDump streams one dump attachment. The caller closes the reader.
func (s *Store) OpenDump(ctx context.Context, id crash.ID, name string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		r, err := s.blobs.GetObject(ctx, crash.DumpKey(id, name))
		if err != nil {
			return classify(err)
		}
		rc = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// StoreProcessed writes the processed crash as a single JSON object. A later
// write for the same id replaces the earlier one.
func (s *Store) StoreProcessed(ctx context.Context, id crash.ID, processed crash.ProcessedCrash) error {
	body, err := json.Marshal(processed)
	if err != nil {
		return crash.Permanent(crash.StageCommit, fmt.Errorf("encode processed crash %s: %w", id, err))
	}
	return s.write(ctx, crash.ProcessedCrashKey(id), jsonContentType, body)
}

// FetchProcessed reads back a committed processed crash. The stack walk is
// decoded into its typed form.
func (s *Store) FetchProcessed(ctx context.Context, id crash.ID) (crash.ProcessedCrash, error) {
	var body []byte
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		b, err := s.read(ctx, crash.ProcessedCrashKey(id))
		body = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return DecodeProcessed(body)
}

// StoreRaw writes a raw crash bundle: each dump, the dump name list, then the
// annotations document, so a crash is fetchable only once its dumps exist.
func (s *Store) StoreRaw(ctx context.Context, id crash.ID, annotations map[string]string, dumps map[string]io.Reader) error {
	names := make([]string, 0, len(dumps))
	for name := range dumps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := s.blobs.PutObject(ctx, crash.DumpKey(id, name), "application/octet-stream", dumps[name]); err != nil {
			return classify(fmt.Errorf("store dump %s: %w", name, err))
		}
	}
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode dump names: %w", err)
	}
	if err := s.write(ctx, crash.DumpNamesKey(id), jsonContentType, namesJSON); err != nil {
		return err
	}
	if annotations == nil {
		annotations = map[string]string{}
	}
	rawJSON, err := json.Marshal(annotations)
	if err != nil {
		return fmt.Errorf("encode annotations: %w", err)
	}
	return s.write(ctx, crash.RawCrashKey(id), jsonContentType, rawJSON)
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.blobs.GetObject(ctx, key)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rc.Close() }()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, crash.Transient(crash.StageFetch, fmt.Errorf("read %s: %w", key, err))
	}
	return body, nil
}

func (s *Store) write(ctx context.Context, key, contentType string, body []byte) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		if _, err := s.blobs.PutObject(ctx, key, contentType, bytes.NewReader(body)); err != nil {
			return crash.Transient(crash.StageCommit, fmt.Errorf("write %s: %w", key, err))
		}
		return nil
	})
}

func classify(err error) error {
	switch {
	case errors.Is(err, crash.ErrObjectNotFound):
		return crash.Permanent(crash.StageFetch, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return crash.Transient(crash.StageFetch, err)
	}
}

// decodeAnnotations accepts a flat JSON object. Non-string values are kept in
// their JSON form.
func decodeAnnotations(body []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out, nil
}

// DecodeProcessed parses a processed crash document.
func DecodeProcessed(body []byte) (crash.ProcessedCrash, error) {
	var fields crash.Fields
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, crash.Permanent(crash.StageFetch, fmt.Errorf("decode processed crash: %w", err))
	}
	if dump, ok := fields[crash.FieldJSONDump]; ok && dump != nil {
		encoded, err := json.Marshal(dump)
		if err != nil {
			return nil, fmt.Errorf("re-encode json_dump: %w", err)
		}
		var walk crash.StackWalkResult
		if err := json.Unmarshal(encoded, &walk); err != nil {
			return nil, crash.Permanent(crash.StageFetch, fmt.Errorf("decode json_dump: %w", err))
		}
		fields[crash.FieldJSONDump] = &walk
	}
	return fields, nil
}
