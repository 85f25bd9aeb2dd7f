package mapping

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/ingest/internal/infrastructure"
	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	errScriptTimeout   = errors.New("script timed out")
	errNotObject       = errors.New("script must return an object")
	errScriptException = errors.New("script threw")
)

// scriptPrelude wraps a transform script. The script body sees payload and
// meta; if it declares transform(payload, meta) that is called instead.
const scriptPrelude = `(function(__raw, __meta) {
	Math.random = function() { throw new Error("Math.random is not available"); };
	var __payload = JSON.parse(__raw);
	var __info = JSON.parse(__meta);
	var __out = (function(payload, meta) {
`

const scriptEpilogue = `
	;if (typeof transform === "function") { return transform(payload, meta); }
	})(__payload, __info);
	if (__out === null || typeof __out !== "object" || Array.isArray(__out)) { return undefined; }
	return JSON.stringify(__out);
})`

// ScriptMeta is exposed to scripts as meta.
type ScriptMeta struct {
	Topic      string    `json:"topic"`
	ReceivedAt time.Time `json:"receivedAt"`
	NodeCode   string    `json:"nodeCode,omitempty"`
	Profile    string    `json:"profile,omitempty"`
}

// ScriptRunner runs transform scripts in isolated goja runtimes. Compiled
// programs are shared; runtimes are not.
type ScriptRunner struct {
	timeout  time.Duration
	programs *lru.Cache[string, *goja.Program]
	metrics  *infrastructure.Metrics
}

func NewScriptRunner(timeout time.Duration, cacheSize int, metrics *infrastructure.Metrics) (*ScriptRunner, error) {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	programs, err := lru.New[string, *goja.Program](cacheSize)
	if err != nil {
		return nil, err
	}
	return &ScriptRunner{timeout: timeout, programs: programs, metrics: metrics}, nil
}

func (r *ScriptRunner) compile(source string) (*goja.Program, error) {
	sum := sha256.Sum256([]byte(source))
	key := hex.EncodeToString(sum[:])
	if p, ok := r.programs.Get(key); ok {
		return p, nil
	}
	p, err := goja.Compile("transform.js", scriptPrelude+source+scriptEpilogue, false)
	if err != nil {
		return nil, err
	}
	r.programs.Add(key, p)
	return p, nil
}

// Run executes source against document and returns the JSON object it
// produced.
func (r *ScriptRunner) Run(ctx context.Context, source string, document []byte, meta ScriptMeta) (out []byte, err error) {
	program, err := r.compile(source)
	if err != nil {
		r.metrics.RecordScriptFailure("compile")
		return nil, fmt.Errorf("compile: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetTimeSource(func() time.Time { return meta.ReceivedAt })
	vm.SetRandSource(func() float64 { return 0 })

	timer := time.AfterFunc(r.timeout, func() { vm.Interrupt(errScriptTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.RecordScriptFailure("panic")
			out, err = nil, fmt.Errorf("script panic: %v", rec)
		}
	}()

	wrapped, err := vm.RunProgram(program)
	if err != nil {
		return nil, r.classify(err)
	}
	fn, ok := goja.AssertFunction(wrapped)
	if !ok {
		return nil, fmt.Errorf("script wrapper is not callable")
	}

	result, err := fn(goja.Undefined(), vm.ToValue(string(document)), vm.ToValue(string(metaJSON)))
	if err != nil {
		return nil, r.classify(err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		r.metrics.RecordScriptFailure("result")
		return nil, errNotObject
	}
	s := result.String()
	if !strings.HasPrefix(s, "{") {
		r.metrics.RecordScriptFailure("result")
		return nil, errNotObject
	}
	return []byte(s), nil
}

func (r *ScriptRunner) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v, ok := interrupted.Value().(error); ok {
			if errors.Is(v, errScriptTimeout) {
				r.metrics.RecordScriptFailure("timeout")
				return errScriptTimeout
			}
			return v
		}
		r.metrics.RecordScriptFailure("interrupted")
		return err
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		r.metrics.RecordScriptFailure("exception")
		return fmt.Errorf("%w: %s", errScriptException, exception.Value().String())
	}
	r.metrics.RecordScriptFailure("runtime")
	return err
}
