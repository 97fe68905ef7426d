// Package signature derives the grouping signature of a crash from its
// crashing thread's stack.
package signature

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// Signatures for crashes without usable stack data.
const (
	EmptyNoFrames = "EMPTY: no frame data available"
	EmptyNoThread = "EMPTY: no crashing thread identified"
)

const (
	separator        = " | "
	defaultMaxFrames = 5
	defaultMaxLength = 255
	ellipsis         = "..."
)

// DefaultSkipPatterns match frames that appear in many unrelated crashes.
var DefaultSkipPatterns = []string{
	`^(__GI_)?abort$`,
	`^(__GI_)?raise$`,
	`^__pthread_kill`,
	`^pthread_kill`,
	`^_?KiUserExceptionDispatcher$`,
	`^RtlUserThreadStart$`,
	`^linux-gate\.so@`,
}

var whitespace = regexp.MustCompile(`\s+`)

// Config controls signature generation.
type Config struct {
	MaxFrames    int
	MaxLength    int
	SkipPatterns []string
}

// Generator builds signatures. It is immutable and safe for concurrent use.
type Generator struct {
	maxFrames int
	maxLength int
	skip      []*regexp.Regexp
}

// New compiles cfg. A nil SkipPatterns uses DefaultSkipPatterns; an empty,
// non-nil slice disables skipping.
func New(cfg Config) (*Generator, error) {
	g := &Generator{maxFrames: cfg.MaxFrames, maxLength: cfg.MaxLength}
	if g.maxFrames <= 0 {
		g.maxFrames = defaultMaxFrames
	}
	if g.maxLength <= len(ellipsis) {
		g.maxLength = defaultMaxLength
	}
	patterns := cfg.SkipPatterns
	if patterns == nil {
		patterns = DefaultSkipPatterns
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile skip pattern %q: %w", p, err)
		}
		g.skip = append(g.skip, re)
	}
	return g, nil
}

// Generate returns the signature and proto signature for a stack walk.
// The proto signature is every rendered frame of the crashing thread, before
// skipping and truncation.
func (g *Generator) Generate(walk *crash.StackWalkResult) (string, string) {
	frames, ok := walk.CrashingFrames()
	if !ok {
		return EmptyNoThread, ""
	}
	if len(frames) == 0 {
		return EmptyNoFrames, ""
	}

	rendered := make([]string, 0, len(frames))
	for _, f := range frames {
		if s := Render(f); s != "" {
			rendered = append(rendered, s)
		}
	}
	if len(rendered) == 0 {
		return EmptyNoFrames, ""
	}
	proto := normalize(strings.Join(rendered, separator))

	kept := make([]string, 0, g.maxFrames)
	for _, s := range rendered {
		if g.skipped(s) {
			continue
		}
		kept = append(kept, s)
		if len(kept) == g.maxFrames {
			break
		}
	}
	// Every frame matched the skip list: fall back to the innermost frames.
	if len(kept) == 0 {
		kept = rendered[:min(len(rendered), g.maxFrames)]
	}
	return g.truncate(normalize(strings.Join(kept, separator))), proto
}

// Render formats one frame: its symbol, else module@offset, else @offset.
func Render(f crash.Frame) string {
	if f.Symbol != nil {
		if s := strings.TrimSpace(*f.Symbol); s != "" {
			return s
		}
	}
	offset := strings.TrimSpace(f.Offset)
	if offset == "" {
		return strings.TrimSpace(f.Module)
	}
	if !strings.HasPrefix(offset, "0x") {
		offset = "0x" + offset
	}
	return strings.TrimSpace(f.Module) + "@" + offset
}

func (g *Generator) skipped(frame string) bool {
	for _, re := range g.skip {
		if re.MatchString(frame) {
			return true
		}
	}
	return false
}

func (g *Generator) truncate(s string) string {
	if len(s) <= g.maxLength {
		return s
	}
	cut := g.maxLength - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

func normalize(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
