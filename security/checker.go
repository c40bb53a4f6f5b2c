// Package security provides static screening of candidate Python code.
//
// The security package parses untrusted code into a real Python syntax tree
// and rejects dangerous constructs before any execution is attempted. The
// denylist is a fast pre-filter, not a security boundary: it raises the cost
// of trivial attacks, while process isolation and resource limits in the
// sandbox package remain the actual enforcement mechanism.
package security

import (
	"fmt"
	"strings"

	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"

	"github.com/quitedob/pycell/config"
)

// Verdict is the outcome of screening one code snippet. IsSafe is true
// exactly when Violations is empty.
type Verdict struct {
	IsSafe     bool
	Violations []string
}

// DefaultMaxCodeSize is the byte ceiling applied to candidate code before
// parsing. Oversized input is rejected without being parsed.
const DefaultMaxCodeSize = 10 * 1024

// Checker screens candidate code against the denylist rule set. A Checker
// is immutable after construction and safe for concurrent use.
type Checker struct {
	maxCodeSize      int
	deniedModules    map[string]struct{}
	deniedCalls      map[string]struct{}
	deniedAttributes map[string]struct{}
	textRules        []textRule
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithMaxCodeSize overrides the code size ceiling in bytes.
func WithMaxCodeSize(n int) CheckerOption {
	return func(c *Checker) {
		c.maxCodeSize = n
	}
}

// WithDeniedModules adds module names to the import denylist.
func WithDeniedModules(modules ...string) CheckerOption {
	return func(c *Checker) {
		for _, m := range modules {
			c.deniedModules[m] = struct{}{}
		}
	}
}

// NewChecker creates a Checker with the default rule set.
func NewChecker(opts ...CheckerOption) *Checker {
	c := &Checker{
		maxCodeSize:      DefaultMaxCodeSize,
		deniedModules:    toSet(DeniedModules),
		deniedCalls:      toSet(DeniedBuiltins),
		deniedAttributes: toSet(DeniedAttributes),
		textRules:        defaultTextRules,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a Checker sized from the application configuration.
func NewFromConfig(cfg *config.Config) *Checker {
	return NewChecker(WithMaxCodeSize(cfg.Sandbox.MaxCodeSizeKB * 1024))
}

// Check screens one code snippet. It never returns an error and has no side
// effects: parse failures and denylist hits are reported as verdict content,
// and the same input always yields the same verdict.
func (c *Checker) Check(code string) Verdict {
	if strings.TrimSpace(code) == "" {
		return verdictOf([]string{"code is empty"})
	}
	if len(code) > c.maxCodeSize {
		return verdictOf([]string{fmt.Sprintf("code exceeds maximum size of %d bytes (got %d)", c.maxCodeSize, len(code))})
	}

	var violations []string

	tree, err := parser.ParseString(code, "exec")
	if err != nil {
		violations = append(violations, fmt.Sprintf("syntax error: %v", err))
	} else {
		violations = append(violations, c.walkTree(tree)...)
	}

	// Secondary pass over the raw text. All passes run to completion so the
	// caller gets a complete report rather than the first hit.
	violations = append(violations, c.scanText(code)...)

	return verdictOf(dedupe(violations))
}

// walkTree visits every node of the parsed syntax tree and collects
// violations for denylisted constructs.
func (c *Checker) walkTree(tree ast.Ast) []string {
	var violations []string

	ast.Walk(tree, func(node ast.Ast) bool {
		switch n := node.(type) {
		case *ast.Import:
			for _, alias := range n.Names {
				if root, denied := c.deniedModuleRoot(string(alias.Name)); denied {
					violations = append(violations,
						fmt.Sprintf("line %d: import of denied module %q", n.GetLineno(), root))
				}
			}
		case *ast.ImportFrom:
			if root, denied := c.deniedModuleRoot(string(n.Module)); denied {
				violations = append(violations,
					fmt.Sprintf("line %d: import from denied module %q", n.GetLineno(), root))
			}
		case *ast.Call:
			if name, ok := calledName(n.Func); ok {
				if _, denied := c.deniedCalls[name]; denied {
					violations = append(violations,
						fmt.Sprintf("line %d: call to denied builtin %q", n.GetLineno(), name))
				}
			}
		case *ast.Attribute:
			if _, denied := c.deniedAttributes[string(n.Attr)]; denied {
				violations = append(violations,
					fmt.Sprintf("line %d: access to internal attribute %q", n.GetLineno(), string(n.Attr)))
			}
		case *ast.Global:
			violations = append(violations,
				fmt.Sprintf("line %d: global declarations are not allowed", n.GetLineno()))
		case *ast.Nonlocal:
			violations = append(violations,
				fmt.Sprintf("line %d: nonlocal declarations are not allowed", n.GetLineno()))
		case *ast.FunctionDef:
			violations = append(violations, c.checkDecorators(n.DecoratorList)...)
		case *ast.ClassDef:
			violations = append(violations, c.checkDecorators(n.DecoratorList)...)
		}
		return true
	})

	return violations
}

// checkDecorators flags decorators whose root name is denylisted, e.g.
// @getattr(...) or @os.something.
func (c *Checker) checkDecorators(decorators []ast.Expr) []string {
	var violations []string
	for _, dec := range decorators {
		root := rootName(dec)
		if root == "" {
			continue
		}
		_, deniedCall := c.deniedCalls[root]
		_, deniedModule := c.deniedModules[root]
		if deniedCall || deniedModule {
			violations = append(violations,
				fmt.Sprintf("line %d: decorator references denied name %q", dec.GetLineno(), root))
		}
	}
	return violations
}

// scanText runs the regex heuristics over the raw source. This layer is
// best-effort: it catches common obfuscation shapes the tree walk cannot
// see, and makes no completeness claim.
func (c *Checker) scanText(code string) []string {
	var violations []string
	for _, rule := range c.textRules {
		if rule.re.MatchString(code) {
			violations = append(violations, "suspicious pattern: "+rule.message)
		}
	}
	return violations
}

// deniedModuleRoot reports whether the module path (possibly dotted) has a
// denylisted root segment, so "os.path" is rejected along with "os".
func (c *Checker) deniedModuleRoot(module string) (string, bool) {
	root := module
	if i := strings.IndexByte(module, '.'); i >= 0 {
		root = module[:i]
	}
	_, denied := c.deniedModules[root]
	return root, denied
}

// calledName returns the identifier of a direct-name call target such as
// eval(...). Attribute calls resolve through the attribute rules instead.
func calledName(fn ast.Expr) (string, bool) {
	if name, ok := fn.(*ast.Name); ok {
		return string(name.Id), true
	}
	return "", false
}

// rootName resolves the leftmost identifier of a name, attribute chain, or
// call expression; it returns "" for anything else.
func rootName(e ast.Expr) string {
	for {
		switch v := e.(type) {
		case *ast.Name:
			return string(v.Id)
		case *ast.Attribute:
			e = v.Value
		case *ast.Call:
			e = v.Func
		default:
			return ""
		}
	}
}

func verdictOf(violations []string) Verdict {
	return Verdict{IsSafe: len(violations) == 0, Violations: violations}
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
