package engine

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
)

// scope is one library within an evaluation: its CEL environment, compiled
// programs and the libraries it includes.
type scope struct {
	c         *Context
	lib       *elm.Library
	includes  map[string]*scope
	env       *cel.Env
	programs  map[*cel.Ast]cel.Program
	valueSets map[string]*runtime.ValueSetInfo
}

// buildEnv declares the system functions, the library's own functions and
// the functions of its includes as Alias.Name.
func (s *scope) buildEnv() error {
	opts := []cel.EnvOption{cel.CustomTypeAdapter(adapter{})}

	own := map[string]bool{}
	for _, name := range s.lib.FunctionNames() {
		ident := elm.Identifier(name)
		own[ident] = true
		opts = append(opts, binding(ident, s.userFunction(name)))
	}
	for name, fn := range system {
		if own[name] {
			continue
		}
		opts = append(opts, binding(name, s.native(fn)))
	}
	for alias, inc := range s.includes {
		for _, name := range inc.lib.FunctionNames() {
			opts = append(opts, binding(alias+"."+elm.Identifier(name), inc.userFunction(name)))
		}
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return err
	}
	s.env = env
	s.programs = map[*cel.Ast]cel.Program{}
	return nil
}

func binding(name string, fn func(args ...ref.Val) ref.Val) cel.EnvOption {
	return cel.Function(name,
		cel.Overload("cql_"+name, []*cel.Type{cel.DynType}, cel.DynType),
		cel.SingletonFunctionBinding(fn),
	)
}

// nativeFunc is a system function over Go values.
type nativeFunc func(s *scope, args []any) (any, error)

func (s *scope) native(fn nativeFunc) func(args ...ref.Val) ref.Val {
	return func(args ...ref.Val) ref.Val {
		in := make([]any, len(args))
		for i, a := range args {
			in[i] = native(a)
		}
		out, err := fn(s, in)
		if err != nil {
			return types.WrapErr(err)
		}
		return adapter{}.NativeToValue(out)
	}
}

func (s *scope) program(ast *cel.Ast) (cel.Program, error) {
	if prg, ok := s.programs[ast]; ok {
		return prg, nil
	}
	prg, err := s.env.Program(ast)
	if err != nil {
		return nil, err
	}
	s.programs[ast] = prg
	return prg, nil
}

func (s *scope) run(ast *cel.Ast, locals map[string]ref.Val) (any, error) {
	prg, err := s.program(ast)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(&activation{scope: s, locals: locals})
	if err != nil {
		return nil, unwrap(err)
	}
	return native(out), nil
}

// definition evaluates an expression definition in its declared context.
func (s *scope) definition(def *elm.ExpressionDef) (any, error) {
	if def.Context != "" && def.Context != s.c.current {
		prev := s.c.current
		s.c.current = def.Context
		defer func() { s.c.current = prev }()
	}
	return s.c.cached(s.c.key(s.lib.Identifier, def.Name), func() (any, error) {
		return s.run(def.AST, nil)
	})
}

func (s *scope) parameter(p elm.ParameterDef) (any, error) {
	if p.Default == nil {
		return nil, nil
	}
	return s.c.cached(s.c.key(s.lib.Identifier, "parameter:"+p.Name), func() (any, error) {
		return s.run(p.Default, nil)
	})
}

func (s *scope) valueSet(def elm.ValueSetDef) *runtime.ValueSetInfo {
	if vs, ok := s.valueSets[def.Name]; ok {
		return vs
	}
	vs := runtime.NewValueSetInfo(def.ID)
	vs.Version = def.Version
	for _, name := range def.CodeSystems {
		if cs, ok := s.lib.CodeSystem(name); ok {
			vs.CodeSystems = append(vs.CodeSystems, runtime.CodeSystemInfo{ID: cs.ID, Version: cs.Version})
		}
	}
	s.valueSets[def.Name] = vs
	return vs
}

func (s *scope) code(def elm.CodeDef) runtime.Code {
	code := runtime.Code{Code: def.ID, Display: def.Display}
	if cs, ok := s.lib.CodeSystem(def.CodeSystem); ok {
		code.System = cs.ID
		code.Version = cs.Version
	}
	return code
}

// resolve returns the value of the CEL identifier ident declared in the
// library, in the order definitions, parameters, value sets, codes, code
// systems, then the context subject.
func (s *scope) resolve(ident string) (any, error) {
	name, ok := s.lib.Lookup(ident)
	if ok {
		if def, ok := s.lib.Expression(name); ok {
			return s.definition(def)
		}
		if p, ok := s.lib.Parameter(name); ok {
			return s.parameter(p)
		}
		if vs, ok := s.lib.ValueSet(name); ok {
			return s.valueSet(vs), nil
		}
		if code, ok := s.lib.Code(name); ok {
			return s.code(code), nil
		}
		if cs, ok := s.lib.CodeSystem(name); ok {
			return runtime.CodeSystemInfo{ID: cs.ID, Version: cs.Version}, nil
		}
	}
	if ident == s.c.current && ident != elm.DefaultContext {
		return s.c.contextResource(s.lib, s.c.current)
	}
	return nil, fmt.Errorf("Could not resolve identifier %s in library %s.", ident, s.lib.Identifier.ID)
}

// userFunction dispatches a call to the first overload of name declared
// with a matching number of operands.
func (s *scope) userFunction(name string) func(args ...ref.Val) ref.Val {
	return func(args ...ref.Val) ref.Val {
		var fn *elm.FunctionDef
		for _, candidate := range s.lib.Functions(name) {
			if len(candidate.Operands) == len(args) {
				fn = candidate
				break
			}
		}
		if fn == nil {
			return types.NewErr("Could not resolve call to operator %s with %d arguments in library %s.",
				name, len(args), s.lib.Identifier.ID)
		}
		if fn.External {
			return s.external(fn, args)
		}

		locals := make(map[string]ref.Val, len(args))
		for i, op := range fn.Operands {
			locals[elm.Identifier(op.Name)] = args[i]
		}
		out, err := s.run(fn.AST, locals)
		if err != nil {
			return types.WrapErr(err)
		}
		return adapter{}.NativeToValue(out)
	}
}

func (s *scope) external(fn *elm.FunctionDef, args []ref.Val) (out ref.Val) {
	provider, ok := s.c.externals[s.lib.Identifier]
	if !ok {
		return types.NewErr("Could not resolve external function provider for library %s.", s.lib.Identifier)
	}
	in := make([]any, len(args))
	for i, a := range args {
		in[i] = native(a)
	}
	defer func() {
		if r := recover(); r != nil {
			out = types.NewErr("Error evaluating external function %s: %v", fn.Name, r)
		}
	}()
	value, err := provider.Evaluate(s.c.ctx, fn.Name, in)
	if err != nil {
		return types.WrapErr(err)
	}
	return adapter{}.NativeToValue(value)
}

// activation resolves identifiers lazily. Alias.Name reaches into an
// included library; any other unknown name is an evaluation error.
type activation struct {
	scope  *scope
	locals map[string]ref.Val
}

func (a *activation) ResolveName(name string) (any, bool) {
	if v, ok := a.locals[name]; ok {
		return v, true
	}
	if alias, member, ok := strings.Cut(name, "."); ok {
		inc, found := a.scope.includes[alias]
		if !found || strings.Contains(member, ".") {
			return nil, false
		}
		return result(inc.resolve(member)), true
	}
	return result(a.scope.resolve(name)), true
}

func (a *activation) Parent() interpreter.Activation { return nil }

func result(value any, err error) ref.Val {
	if err != nil {
		return types.WrapErr(err)
	}
	return adapter{}.NativeToValue(value)
}
