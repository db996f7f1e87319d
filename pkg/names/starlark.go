package names

import (
	"context"
	"fmt"
	"iter"
	"os"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

const candidatesFunc = "candidates"

// StarlarkGenerator asks a Starlark script for candidates. The script must
// define candidates(domain, n) returning a list of strings.
type StarlarkGenerator struct {
	name     string
	globals  starlark.StringDict
	limit    int
	timeout  time.Duration
	maxSteps uint64
}

var _ engine.NameGenerator = (*StarlarkGenerator)(nil)

// NewStarlarkGenerator compiles the script once. name labels the script in
// error messages.
func NewStarlarkGenerator(name, script string, limit int, timeout time.Duration) (*StarlarkGenerator, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	thread := newThread(name)
	globals, err := starlark.ExecFile(thread, name, script, predeclared())
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	fn, ok := globals[candidatesFunc]
	if !ok {
		return nil, fmt.Errorf("script %s does not define %s(domain, n)", name, candidatesFunc)
	}
	if _, ok := fn.(starlark.Callable); !ok {
		return nil, fmt.Errorf("script %s: %s is a %s, not a function", name, candidatesFunc, fn.Type())
	}

	globals.Freeze()
	return &StarlarkGenerator{
		name:     name,
		globals:  globals,
		limit:    limit,
		timeout:  timeout,
		maxSteps: 10_000_000,
	}, nil
}

// LoadStarlarkGenerator reads and compiles a script file.
func LoadStarlarkGenerator(path string, limit int, timeout time.Duration) (*StarlarkGenerator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return NewStarlarkGenerator(path, string(data), limit, timeout)
}

// Candidates calls the script once per sequence and yields its valid,
// distinct results in order.
func (g *StarlarkGenerator) Candidates(ctx context.Context, domain string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		names, err := g.call(ctx, domain)
		if err != nil {
			yield("", err)
			return
		}

		seen := make(map[string]bool, len(names))
		for _, name := range names {
			name = strings.ToLower(strings.TrimSpace(name))
			if seen[name] || !ValidLocalPart(name) {
				continue
			}
			seen[name] = true
			if !yield(name, nil) {
				return
			}
		}
	}
}

func (g *StarlarkGenerator) call(ctx context.Context, domain string) ([]string, error) {
	evalCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	thread := newThread(g.name)
	thread.SetMaxExecutionSteps(g.maxSteps)
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution stopped: %v", context.Cause(evalCtx)))
	})
	defer stop()

	args := starlark.Tuple{starlark.String(domain), starlark.MakeInt(g.limit)}
	result, err := starlark.Call(thread, g.globals[candidatesFunc], args, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %s(%q) failed: %w", g.name, candidatesFunc, domain, err)
	}

	iterable, ok := result.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: %s must return a list, got %s", g.name, candidatesFunc, result.Type())
	}

	var names []string
	it := iterable.Iterate()
	defer it.Done()
	var v starlark.Value
	for it.Next(&v) {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("%s: %s returned non-string %s", g.name, candidatesFunc, v.Type())
		}
		names = append(names, s)
		if len(names) >= g.limit {
			break
		}
	}
	return names, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, _ string) {
			// print output is discarded
		},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"hash": starlark.NewBuiltin("hash", builtinHash),
	}
}

// builtinHash exposes the FNV hash used by the wordlist generator so scripts
// can derive deterministic per-domain variations.
func builtinHash(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	return starlark.MakeUint64(domainSeed(s) >> 1), nil
}
