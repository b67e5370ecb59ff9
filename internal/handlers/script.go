package handlers

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"kiln/internal/events"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
)

// =============================================================================
// SCRIPTED HANDLERS (Yaegi)
// =============================================================================
// A script is Go source interpreted at load time. It must define
//
//	func Handle(eventType string, payload string) (string, error)
//
// payload is the event's JSON data. Returning "" keeps the event; any other
// string is decoded as the data of an event of the same type and replaces it.
//
// SAFETY RESTRICTIONS:
// - Only whitelisted stdlib imports (no os, net, exec, syscall, unsafe)
// - Optional per-call timeout

// allowedScriptImports is the import whitelist for scripts.
var allowedScriptImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"path":            true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// ScriptFunc is the Go signature scripts must export as Handle.
type ScriptFunc func(eventType string, payload string) (string, error)

// ScriptOptions tunes a Script handler.
type ScriptOptions struct {
	Pattern      string
	FatalOnError bool
	Timeout      time.Duration // zero means no limit beyond the caller's context
}

// Script runs an interpreted Go function over each event.
type Script struct {
	base
	fn           ScriptFunc
	fatalOnError bool
	timeout      time.Duration
}

// LoadScript reads and compiles the script at path.
func LoadScript(name string, deps []string, path string, opts ScriptOptions) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	h, err := NewScript(name, deps, string(src), opts)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}
	return h, nil
}

// NewScript compiles source into a handler.
func NewScript(name string, deps []string, source string, opts ScriptOptions) (*Script, error) {
	fn, err := compileScript(source)
	if err != nil {
		return nil, err
	}
	logging.HandlersDebug("compiled script handler %s", name)
	return &Script{
		base:         newBase(name, deps, opts.Pattern),
		fn:           fn,
		fatalOnError: opts.FatalOnError,
		timeout:      opts.Timeout,
	}, nil
}

func compileScript(source string) (ScriptFunc, error) {
	if !strings.Contains(source, "package ") {
		source = "package main\n\n" + source
	}

	pkg, err := validateScriptImports(source)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if _, err := i.Eval(source); err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}

	v, err := i.Eval(pkg + ".Handle")
	if err != nil {
		return nil, fmt.Errorf("handle function not found: %w", err)
	}
	fn, ok := v.Interface().(func(string, string) (string, error))
	if !ok {
		return nil, errors.New("handle has incorrect signature (expected: func(string, string) (string, error))")
	}
	return fn, nil
}

// validateScriptImports parses the import block and returns the package name.
func validateScriptImports(source string) (string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), "script.go", source, parser.ImportsOnly)
	if err != nil {
		return "", fmt.Errorf("failed to parse script: %w", err)
	}

	var forbidden []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return "", fmt.Errorf("bad import %s: %w", imp.Path.Value, err)
		}
		if !allowedScriptImports[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return "", fmt.Errorf("forbidden imports detected: %v (allowed: %v)", forbidden, allowedImportList())
	}
	return f.Name.Name, nil
}

func allowedImportList() []string {
	pkgs := make([]string, 0, len(allowedScriptImports))
	for pkg := range allowedScriptImports {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

func (h *Script) Handle(ctx context.Context, _ *pipeline.HandlerContext, ev events.SessionEvent) pipeline.Outcome {
	payload, err := events.EncodeData(ev)
	if err != nil {
		return h.fail(ev, fmt.Sprintf("failed to encode %s: %v", ev.EventType(), err))
	}

	result, err := h.call(ctx, ev.EventType(), string(payload))
	if err != nil {
		return h.fail(ev, err.Error())
	}
	if result == "" {
		return pipeline.Continue(ev)
	}

	next, err := events.DecodeData(ev.EventType(), []byte(result))
	if err != nil {
		return h.fail(ev, fmt.Sprintf("script returned invalid %s data: %v", ev.EventType(), err))
	}
	return pipeline.Continue(next)
}

// call runs the script, giving up when ctx ends or the timeout passes. An
// abandoned call keeps running until the script returns.
func (h *Script) call(ctx context.Context, eventType, payload string) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	type reply struct {
		out string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := h.fn(eventType, payload)
		done <- reply{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("script execution timed out: %w", ctx.Err())
	}
}

func (h *Script) fail(ev events.SessionEvent, msg string) pipeline.Outcome {
	if h.fatalOnError {
		return pipeline.Fatal(msg)
	}
	logging.HandlersWarn("script %s: %s", h.name, msg)
	return pipeline.SoftError(ev, msg)
}
