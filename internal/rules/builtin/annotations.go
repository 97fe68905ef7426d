package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/rules"
)

// Annotation keys read by the annotation rules.
const (
	AnnotationSubmitted      = "submitted_timestamp"
	AnnotationProductName    = "ProductName"
	AnnotationVersion        = "Version"
	AnnotationReleaseChannel = "ReleaseChannel"
	AnnotationBuildID        = "BuildID"
	AnnotationCrashTime      = "CrashTime"
	AnnotationStartupTime    = "StartupTime"
)

// Defaults for product fields missing from the annotations.
const (
	DefaultProduct        = "Unknown"
	DefaultReleaseChannel = "default"
)

func identityRule() rules.Rule {
	return rules.Rule{
		Name:   RuleIdentity,
		Writes: []string{crash.FieldUUID, crash.FieldSubmittedTimestamp},
		Apply: func(_ context.Context, in rules.Input, out crash.Fields) error {
			out[crash.FieldUUID] = in.Raw.ID.String()
			if ts, ok := submittedAt(in.Raw); ok {
				out[crash.FieldSubmittedTimestamp] = ts.UTC().Format(time.RFC3339Nano)
			}
			return nil
		},
	}
}

// submittedAt prefers the collector's timestamp and falls back to the date
// embedded in the crash id.
func submittedAt(raw *crash.RawCrash) (time.Time, bool) {
	if v, ok := raw.Annotation(AnnotationSubmitted); ok {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err == nil {
			return ts, true
		}
	}
	return raw.ID.SubmissionDate()
}

func productRule() rules.Rule {
	return rules.Rule{
		Name: RuleProduct,
		Writes: []string{
			crash.FieldProduct,
			crash.FieldVersion,
			crash.FieldReleaseChannel,
			crash.FieldBuild,
		},
		Apply: func(_ context.Context, in rules.Input, out crash.Fields) error {
			out[crash.FieldProduct] = annotationOr(in.Raw, AnnotationProductName, DefaultProduct)
			out[crash.FieldVersion] = annotationOr(in.Raw, AnnotationVersion, "")
			out[crash.FieldReleaseChannel] = annotationOr(in.Raw, AnnotationReleaseChannel, DefaultReleaseChannel)
			if build := annotationOr(in.Raw, AnnotationBuildID, ""); build != "" {
				out[crash.FieldBuild] = build
			}
			return nil
		},
	}
}

func annotationOr(raw *crash.RawCrash, key, def string) string {
	v, _ := raw.Annotation(key)
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func uptimeRule() rules.Rule {
	return rules.Rule{
		Name:   RuleUptime,
		Writes: []string{crash.FieldUptime},
		Apply: func(_ context.Context, in rules.Input, out crash.Fields) error {
			crashed, ok, err := unixAnnotation(in.Raw, AnnotationCrashTime)
			if err != nil || !ok {
				return err
			}
			started, ok, err := unixAnnotation(in.Raw, AnnotationStartupTime)
			if err != nil || !ok {
				return err
			}
			out[crash.FieldUptime] = max(crashed-started, 0)
			return nil
		},
	}
}

func unixAnnotation(raw *crash.RawCrash, key string) (int64, bool, error) {
	v := annotationOr(raw, key, "")
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s %q: %w", key, v, err)
	}
	return n, true, nil
}
