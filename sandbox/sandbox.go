// Package sandbox executes operator-supplied provider scripts in an isolated
// JavaScript runtime. A script defines a class whose constructor receives the
// input object and must call commit(ok, extras?) exactly once; getters on the
// class expose the verdict (canLogin, isValid, userProfile, role).
//
// The runtime has no host access: no network, no filesystem, no shared
// globals. Only commit and console.log are installed.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/pkg/log"
)

// DefaultTimeout caps a single provider execution.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout is returned when a script exceeds its wall-clock budget.
	ErrTimeout = errors.New("script timeout")

	// ErrScript is returned for compile errors, thrown exceptions, missing
	// classes and double commits.
	ErrScript = errors.New("script error")
)

// Class names the provider class a run instantiates.
type Class string

const (
	ClassUserLogin      Class = "UserLoginProvider"
	ClassUserValidation Class = "UserValidationProvider"
)

// Result is the outcome of one provider execution.
type Result struct {
	// Committed reports whether the constructor called commit at all.
	Committed bool
	// OK is the first argument of the commit call.
	OK bool
	// Extras is the optional second argument of the commit call.
	Extras map[string]interface{}

	// Getter values read from the instance after construction.
	CanLogin bool
	IsValid  bool
	Role     string
	Profile  *entities.Profile
}

// Runner executes provider scripts. Each run uses a fresh VM; no state
// survives across invocations.
type Runner struct {
	timeout time.Duration
	logger  log.Logger
}

// New returns a Runner with the given per-run timeout; zero selects
// DefaultTimeout.
func New(logger log.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{timeout: timeout, logger: logger}
}

// Run executes one provider script and instantiates the given class with the
// input object.
func (r *Runner) Run(ctx context.Context, script string, class Class, input map[string]interface{}) (*Result, error) {
	vm := goja.New()

	timer := time.AfterFunc(r.timeout, func() {
		vm.Interrupt("execution timeout")
	})
	defer timer.Stop()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("canceled")
		case <-stopWatch:
		}
	}()

	result := &Result{}
	commits := 0

	if err := vm.Set("commit", func(call goja.FunctionCall) goja.Value {
		commits++
		result.Committed = true
		if len(call.Arguments) > 0 {
			result.OK = call.Arguments[0].ToBoolean()
		}
		if len(call.Arguments) > 1 {
			if extras, ok := call.Arguments[1].Export().(map[string]interface{}); ok {
				result.Extras = extras
			}
		}
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScript, err)
	}

	console := vm.NewObject()
	if err := console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}
		r.logger.Debug(append([]interface{}{"provider: "}, args...)...)
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScript, err)
	}
	if err := vm.Set("console", console); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScript, err)
	}

	if _, err := vm.RunString(script); err != nil {
		return nil, runError(err)
	}

	ctor := vm.Get(string(class))
	if ctor == nil || goja.IsUndefined(ctor) || goja.IsNull(ctor) {
		return nil, fmt.Errorf("%w: class %s not defined", ErrScript, class)
	}

	instance, err := safeNew(vm, ctor, input)
	if err != nil {
		return nil, runError(err)
	}
	if commits > 1 {
		return nil, fmt.Errorf("%w: commit called %d times", ErrScript, commits)
	}

	readGetters(instance, result)
	return result, nil
}

// RunProviders runs the scripts in declaration order and returns the first
// committed-true result. When every provider refuses, the last result is
// returned with OK false; script errors skip to the next provider.
func (r *Runner) RunProviders(ctx context.Context, providers []entities.ProviderSpec, class Class, input map[string]interface{}) (*Result, error) {
	var last *Result
	var lastErr error
	for _, p := range providers {
		result, err := r.Run(ctx, p.Script, class, input)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil, err
			}
			r.logger.Warnf("provider %s failed: %v", p.Name, err)
			lastErr = err
			continue
		}
		if result.Committed && result.OK {
			return result, nil
		}
		last = result
	}
	if last == nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("%w: no provider committed", ErrScript)
	}
	return last, nil
}

func readGetters(instance *goja.Object, result *Result) {
	if v := instance.Get("canLogin"); v != nil && !goja.IsUndefined(v) {
		result.CanLogin = v.ToBoolean()
	}
	if v := instance.Get("isValid"); v != nil && !goja.IsUndefined(v) {
		result.IsValid = v.ToBoolean()
	}
	if v := instance.Get("role"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		result.Role = v.String()
	}
	if v := instance.Get("userProfile"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		result.Profile = entities.NewProfile(v.Export())
	}
}

// safeNew wraps vm.New to recover from uncatchable goja exceptions (e.g.
// *goja.InterruptedError raised by vm.Interrupt) that propagate as panics
// instead of being returned as errors.
func safeNew(vm *goja.Runtime, ctor goja.Value, input map[string]interface{}) (instance *goja.Object, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", r)
		}
	}()
	return vm.New(ctor, vm.ToValue(input))
}

func runError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrScript, err)
}
