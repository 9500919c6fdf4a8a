package components

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// Security levels for scripted components.
const (
	SecurityLevelStrict   = "strict"
	SecurityLevelStandard = "standard"
)

// ErrSecurityViolation is raised inside scripts that reach a disabled API.
var ErrSecurityViolation = errors.New("security violation")

// sandbox restricts what a script can reach inside its runtime.
type sandbox struct {
	securityLevel string
}

func newSandbox(securityLevel string) *sandbox {
	if securityLevel != SecurityLevelStandard {
		securityLevel = SecurityLevelStrict
	}
	return &sandbox{securityLevel: securityLevel}
}

// apply removes host globals and freezes the builtins of vm.
func (s *sandbox) apply(vm *goja.Runtime) error {
	if err := s.removeDangerousGlobals(vm); err != nil {
		return fmt.Errorf("failed to remove dangerous globals: %w", err)
	}
	if err := s.freezeBuiltins(vm); err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	return nil
}

func (s *sandbox) removeDangerousGlobals(vm *goja.Runtime) error {
	dangerousGlobals := []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"Buffer",
		"setTimeout",
		"setInterval",
		"setImmediate",
	}

	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if s.securityLevel == SecurityLevelStrict {
		restricted := func(goja.FunctionCall) goja.Value {
			panic(vm.NewGoError(fmt.Errorf("%w: eval is not allowed in strict mode", ErrSecurityViolation)))
		}
		if err := vm.Set("eval", restricted); err != nil {
			return err
		}
	}

	return nil
}

func (s *sandbox) freezeBuiltins(vm *goja.Runtime) error {
	builtins := []string{
		"Object",
		"Array",
		"Function",
		"String",
		"Number",
		"Boolean",
		"Date",
		"RegExp",
		"Error",
		"Math",
		"JSON",
	}

	val, err := vm.RunString(`
		(function(obj) {
			if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
				Object.freeze(obj);
				if (obj.prototype) {
					Object.freeze(obj.prototype);
				}
			}
		})
	`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}

	freezeFn, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}

	for _, name := range builtins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freezeFn(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("failed to freeze %s: %w", name, err)
		}
	}

	return nil
}
