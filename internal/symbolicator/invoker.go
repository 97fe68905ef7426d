// Package symbolicator runs the external stackwalker against a minidump and
// answers its symbol requests from the symbol cache.
package symbolicator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/metrics"
)

// DumpPlaceholder is replaced by the staged dump path in Config.Args.
const DumpPlaceholder = "{dump}"

var errOutputLimit = errors.New("output limit exceeded")

// Resolver looks up symbol files. found=false means the service has none.
type Resolver interface {
	Resolve(ctx context.Context, ref crash.SymbolRef) (crash.SymbolFile, bool, error)
}

// Config controls how the stackwalker is launched and bounded.
type Config struct {
	Command string
	// Args may contain DumpPlaceholder; without it the dump path is appended.
	Args []string
	// Env is appended to the processor's environment.
	Env            []string
	Timeout        time.Duration
	MaxOutputBytes int64
	MaxParallel    int
	// TempDir holds staged dumps; empty uses the OS default.
	TempDir string
	// WaitDelay bounds how long pipes are drained after the process is killed.
	WaitDelay time.Duration
}

// Request is one stackwalk invocation.
type Request struct {
	CrashID crash.ID
	Dump    io.Reader
}

// Invoker launches stackwalker subprocesses. Concurrent runs are bounded by
// Config.MaxParallel.
type Invoker struct {
	cfg      Config
	resolver Resolver
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// New validates cfg and builds an Invoker.
func New(cfg Config, resolver Resolver, logger *zap.Logger) (*Invoker, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("stackwalker.command is required")
	}
	if resolver == nil {
		return nil, errors.New("symbol resolver is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 << 20
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		cfg:      cfg,
		resolver: resolver,
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallel)),
		logger:   logger.Named("symbolicator"),
	}, nil
}

// Run stages the dump, runs the stackwalker and returns its parsed report.
// A non-zero exit with a parsed report is returned as a result with a warning.
// The subprocess has always exited when Run returns.
func (inv *Invoker) Run(ctx context.Context, req Request) (*crash.StackWalkResult, error) {
	if err := inv.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for stackwalker slot: %w", err)
	}
	defer inv.sem.Release(1)

	dumpPath, err := inv.stageDump(req.Dump)
	if err != nil {
		return nil, crash.Transient(crash.StageRules, err)
	}
	defer func() { _ = os.Remove(dumpPath) }()

	start := time.Now()
	result, outcome, err := inv.run(ctx, req.CrashID, dumpPath)
	metrics.ObserveStackwalker(outcome, time.Since(start))
	return result, err
}

func (inv *Invoker) stageDump(dump io.Reader) (string, error) {
	if dump == nil {
		return "", errors.New("no dump to process")
	}
	f, err := os.CreateTemp(inv.cfg.TempDir, "dump-*.dmp")
	if err != nil {
		return "", fmt.Errorf("create dump file: %w", err)
	}
	if _, err := io.Copy(f, dump); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("stage dump: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close dump file: %w", err)
	}
	return f.Name(), nil
}

func (inv *Invoker) args(dumpPath string) []string {
	out := make([]string, 0, len(inv.cfg.Args)+1)
	substituted := false
	for _, a := range inv.cfg.Args {
		if strings.Contains(a, DumpPlaceholder) {
			a = strings.ReplaceAll(a, DumpPlaceholder, dumpPath)
			substituted = true
		}
		out = append(out, a)
	}
	if !substituted {
		out = append(out, dumpPath)
	}
	return out
}

// session is the state of one subprocess conversation.
type session struct {
	inv      *Invoker
	ctx      context.Context
	crashID  crash.ID
	stdin    io.Writer
	answered map[string]SymbolResponse
	missing  map[string]crash.SymbolRef
	warnings []string
	result   *crash.StackWalkResult
}

func (inv *Invoker) run(ctx context.Context, id crash.ID, dumpPath string) (*crash.StackWalkResult, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.cfg.Command, inv.args(dumpPath)...)
	isolate(cmd)
	cmd.WaitDelay = inv.cfg.WaitDelay
	if len(inv.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.cfg.Env...)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "error", crash.Transient(crash.StageRules, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "error", crash.Transient(crash.StageRules, fmt.Errorf("stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, "error", crash.Wrap(crash.KindTool, crash.StageRules, fmt.Errorf("start stackwalker: %w", err))
	}
	logger := inv.logger.With(zap.String("crash_id", id.String()), zap.Int("pid", cmd.Process.Pid))
	logger.Debug("stackwalker started")

	s := &session{
		inv:      inv,
		ctx:      runCtx,
		crashID:  id,
		stdin:    stdin,
		answered: make(map[string]SymbolResponse),
		missing:  make(map[string]crash.SymbolRef),
	}
	readErr := s.read(&limitedReader{r: stdout, remaining: inv.cfg.MaxOutputBytes})
	_ = stdin.Close()
	if readErr != nil {
		// Stop the tool before waiting so an oversized or broken stream cannot stall Wait.
		cancel()
	}
	waitErr := cmd.Wait()

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		return nil, "canceled", fmt.Errorf("stackwalker: %w", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		logger.Warn("stackwalker timed out", zap.Duration("timeout", inv.cfg.Timeout))
		return nil, "timeout", crash.Wrap(crash.KindTimeout, crash.StageRules,
			fmt.Errorf("stackwalker exceeded %s", inv.cfg.Timeout))
	case errors.Is(readErr, errOutputLimit):
		return nil, "output_limit", crash.Wrap(crash.KindTool, crash.StageRules,
			fmt.Errorf("stackwalker output exceeded %d bytes", inv.cfg.MaxOutputBytes))
	case s.result == nil:
		return nil, "no_result", crash.Wrap(crash.KindTool, crash.StageRules,
			fmt.Errorf("stackwalker produced no result (exit status %d): %s", exitCode, stderr.String()))
	}

	result := s.finish(exitCode)
	outcome := "ok"
	if exitCode != 0 {
		outcome = "degraded"
		logger.Warn("stackwalker exited non-zero with a result",
			zap.Int("exit_code", exitCode),
			zap.String("stderr", stderr.String()),
		)
	}
	return result, outcome, nil
}

func (s *session) read(r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			s.handle(bytes.TrimSpace(line))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *session) handle(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		s.inv.logger.Debug("ignoring non-protocol stackwalker output", zap.ByteString("line", truncate(line, 200)))
		return
	}
	switch env.Type {
	case TypeSymbolRequest:
		s.answer(crash.SymbolRef{Module: env.Module, DebugID: env.DebugID})
	case TypeWarning:
		if env.Message != "" {
			s.warnings = append(s.warnings, env.Message)
		}
	case TypeResult:
		result, err := decodeResult(line)
		if err != nil {
			s.warnings = append(s.warnings, fmt.Sprintf("unparseable stackwalker result: %v", err))
			return
		}
		s.result = result
	default:
		s.inv.logger.Debug("ignoring unknown stackwalker message", zap.String("type", env.Type))
	}
}

func (s *session) answer(ref crash.SymbolRef) {
	resp, ok := s.answered[ref.Key()]
	if !ok {
		resp = SymbolResponse{Type: TypeSymbolResponse, Module: ref.Module, DebugID: ref.DebugID}
		f, found, err := s.inv.resolver.Resolve(s.ctx, ref)
		switch {
		case err != nil:
			s.missing[ref.Key()] = ref
			s.warnings = append(s.warnings, fmt.Sprintf("symbol lookup failed for %s: %v", ref.Key(), err))
		case !found:
			s.missing[ref.Key()] = ref
		default:
			resp.Found = true
			resp.Path = f.Path
		}
		s.answered[ref.Key()] = resp
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	// The tool may have stopped reading; its output still decides the outcome.
	_, _ = s.stdin.Write(append(b, '\n'))
}

// finish assembles the result: warnings, missing modules, and null symbols for
// every frame in a module whose symbols did not resolve.
func (s *session) finish(exitCode int) *crash.StackWalkResult {
	r := s.result
	r.ExitCode = exitCode

	missingModules := make(map[string]bool, len(s.missing))
	refs := make([]crash.SymbolRef, 0, len(s.missing))
	for _, ref := range s.missing {
		refs = append(refs, ref)
		missingModules[ref.Module] = true
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key() < refs[j].Key() })
	r.MissingSymbols = refs

	warnings := append([]string(nil), s.warnings...)
	for _, ref := range refs {
		warnings = append(warnings, fmt.Sprintf("missing symbols for %s (debug id %s)", ref.Module, ref.DebugID))
	}
	if exitCode != 0 {
		warnings = append(warnings, fmt.Sprintf("stackwalker exited with status %d", exitCode))
	}
	r.Warnings = warnings

	for ti := range r.Threads {
		for fi := range r.Threads[ti].Frames {
			if missingModules[r.Threads[ti].Frames[fi].Module] {
				r.Threads[ti].Frames[fi].Symbol = nil
			}
		}
	}
	for mi := range r.Modules {
		if missingModules[r.Modules[mi].Filename] {
			r.Modules[mi].Loaded = false
		}
	}
	return r
}

// limitedReader fails with errOutputLimit once more than remaining bytes are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, errOutputLimit
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errOutputLimit
	}
	return n, err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
