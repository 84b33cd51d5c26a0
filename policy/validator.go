package policy

import (
	"fmt"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"
)

// ViolationKind classifies why a script was rejected.
type ViolationKind string

// Violation kinds
const (
	ForbiddenImport    ViolationKind = "forbidden_import"
	ForbiddenCall      ViolationKind = "forbidden_call"
	ForbiddenAttribute ViolationKind = "forbidden_attribute"
	ForbiddenStatement ViolationKind = "forbidden_statement"
	OverwritesInput    ViolationKind = "overwrites_input"
	Unparseable        ViolationKind = "unparseable"
)

// Verdict is the terminal result of validating one script. It is never
// mutated after creation.
type Verdict struct {
	Allowed bool
	Kind    ViolationKind
	Detail  string
}

// Validate parses the script and walks its syntax tree against the rule
// set. It is deterministic, performs no I/O and must be called before any
// execution attempt. A script that fails to parse is a violation, never a
// pass: code that cannot be analyzed cannot be trusted.
func (r *RuleSet) Validate(script string) Verdict {
	program, err := parser.ParseFile(nil, "script.js", script, 0)
	if err != nil {
		return Verdict{Kind: Unparseable, Detail: fmt.Sprintf("script does not parse: %v", err)}
	}
	w := &walker{rules: r}
	for _, stmt := range program.Body {
		if v := w.statement(stmt); v != nil {
			return *v
		}
	}
	return Verdict{Allowed: true}
}

// walker performs the recursive allow-list walk. Each method returns the
// first violation found, or nil.
type walker struct {
	rules *RuleSet
}

func deny(kind ViolationKind, format string, args ...any) *Verdict {
	return &Verdict{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

//nolint:gocyclo // The statement dispatch table is intentionally exhaustive.
func (w *walker) statement(stmt ast.Statement) *Verdict {
	switch s := stmt.(type) {
	case nil:
		return nil
	case *ast.ExpressionStatement:
		return w.expression(s.Expression)
	case *ast.VariableStatement:
		return w.bindings(s.List)
	case *ast.LexicalDeclaration:
		return w.bindings(s.List)
	case *ast.FunctionDeclaration:
		return w.functionLiteral(s.Function)
	case *ast.BlockStatement:
		return w.statements(s.List)
	case *ast.IfStatement:
		if v := w.expression(s.Test); v != nil {
			return v
		}
		if v := w.statement(s.Consequent); v != nil {
			return v
		}
		return w.statement(s.Alternate)
	case *ast.ForStatement:
		if v := w.forInitializer(s.Initializer); v != nil {
			return v
		}
		if v := w.expression(s.Test); v != nil {
			return v
		}
		if v := w.expression(s.Update); v != nil {
			return v
		}
		return w.statement(s.Body)
	case *ast.ForInStatement:
		if v := w.forInto(s.Into); v != nil {
			return v
		}
		if v := w.expression(s.Source); v != nil {
			return v
		}
		return w.statement(s.Body)
	case *ast.ForOfStatement:
		if v := w.forInto(s.Into); v != nil {
			return v
		}
		if v := w.expression(s.Source); v != nil {
			return v
		}
		return w.statement(s.Body)
	case *ast.WhileStatement:
		if v := w.expression(s.Test); v != nil {
			return v
		}
		return w.statement(s.Body)
	case *ast.DoWhileStatement:
		if v := w.expression(s.Test); v != nil {
			return v
		}
		return w.statement(s.Body)
	case *ast.SwitchStatement:
		if v := w.expression(s.Discriminant); v != nil {
			return v
		}
		for _, c := range s.Body {
			if v := w.expression(c.Test); v != nil {
				return v
			}
			if v := w.statements(c.Consequent); v != nil {
				return v
			}
		}
		return nil
	case *ast.ReturnStatement:
		return w.expression(s.Argument)
	case *ast.ThrowStatement:
		return w.expression(s.Argument)
	case *ast.BranchStatement:
		return nil
	case *ast.EmptyStatement:
		return nil
	case *ast.WithStatement:
		return deny(ForbiddenStatement, "with statements are not allowed")
	case *ast.TryStatement:
		return deny(ForbiddenStatement, "try statements are not allowed")
	case *ast.ClassDeclaration:
		return deny(ForbiddenStatement, "class declarations are not allowed")
	case *ast.LabelledStatement:
		return deny(ForbiddenStatement, "labelled statements are not allowed")
	case *ast.DebuggerStatement:
		return deny(ForbiddenStatement, "debugger statements are not allowed")
	default:
		return deny(ForbiddenStatement, "unsupported statement kind %T", stmt)
	}
}

func (w *walker) statements(list []ast.Statement) *Verdict {
	for _, stmt := range list {
		if v := w.statement(stmt); v != nil {
			return v
		}
	}
	return nil
}

//nolint:gocyclo // The expression dispatch table is intentionally exhaustive.
func (w *walker) expression(expr ast.Expression) *Verdict {
	switch e := expr.(type) {
	case nil:
		return nil
	case *ast.Identifier:
		return w.name(string(e.Name))
	case *ast.DotExpression:
		if v := w.member(e.Identifier.Name.String()); v != nil {
			return v
		}
		return w.expression(e.Left)
	case *ast.BracketExpression:
		if v := w.bracketMember(e.Member); v != nil {
			return v
		}
		return w.expression(e.Left)
	case *ast.CallExpression:
		if v := w.callee(e.Callee); v != nil {
			return v
		}
		return w.expressions(e.ArgumentList)
	case *ast.AssignExpression:
		if v := w.assignTarget(e.Left); v != nil {
			return v
		}
		return w.expression(e.Right)
	case *ast.UnaryExpression:
		if e.Operator == token.INCREMENT || e.Operator == token.DECREMENT {
			if v := w.assignTarget(e.Operand); v != nil {
				return v
			}
		}
		return w.expression(e.Operand)
	case *ast.BinaryExpression:
		if v := w.expression(e.Left); v != nil {
			return v
		}
		return w.expression(e.Right)
	case *ast.ConditionalExpression:
		if v := w.expression(e.Test); v != nil {
			return v
		}
		if v := w.expression(e.Consequent); v != nil {
			return v
		}
		return w.expression(e.Alternate)
	case *ast.SequenceExpression:
		return w.expressions(e.Sequence)
	case *ast.ArrayLiteral:
		return w.expressions(e.Value)
	case *ast.ObjectLiteral:
		return w.properties(e.Value)
	case *ast.SpreadElement:
		return w.expression(e.Expression)
	case *ast.TemplateLiteral:
		if e.Tag != nil {
			return deny(ForbiddenCall, "tagged template calls are not allowed")
		}
		return w.expressions(e.Expressions)
	case *ast.FunctionLiteral:
		return w.functionLiteral(e)
	case *ast.ArrowFunctionLiteral:
		return w.arrowFunctionLiteral(e)
	case *ast.StringLiteral, *ast.NumberLiteral, *ast.BooleanLiteral, *ast.NullLiteral, *ast.RegExpLiteral:
		return nil
	case *ast.NewExpression:
		return deny(ForbiddenCall, "new expressions are not allowed")
	case *ast.ThisExpression:
		return deny(ForbiddenStatement, "this is not allowed")
	case *ast.MetaProperty:
		return deny(ForbiddenImport, "meta-property access is not allowed")
	default:
		return deny(ForbiddenStatement, "unsupported expression kind %T", expr)
	}
}

func (w *walker) expressions(list []ast.Expression) *Verdict {
	for _, expr := range list {
		if v := w.expression(expr); v != nil {
			return v
		}
	}
	return nil
}

// name checks a bare identifier reference against the symbol tables.
func (w *walker) name(name string) *Verdict {
	switch {
	case w.rules.imports[name]:
		return deny(ForbiddenImport, "reference to module loader %q", name)
	case w.rules.calls[name]:
		return deny(ForbiddenCall, "reference to blocked builtin %q", name)
	case w.rules.names[name]:
		return deny(ForbiddenCall, "reference to blocked symbol %q", name)
	}
	return nil
}

// member checks a member name. Anything with a "__" prefix is treated as an
// introspection surface and rejected along with the explicit blocklist.
func (w *walker) member(name string) *Verdict {
	if strings.HasPrefix(name, "__") || w.rules.members[name] {
		return deny(ForbiddenAttribute, "access to member %q is not allowed", name)
	}
	return nil
}

// bracketMember handles computed member access. Only literal string and
// number keys can be checked statically; everything else is rejected.
func (w *walker) bracketMember(member ast.Expression) *Verdict {
	switch m := member.(type) {
	case *ast.StringLiteral:
		return w.member(m.Value.String())
	case *ast.NumberLiteral:
		return nil
	default:
		return deny(ForbiddenAttribute, "computed member access is not allowed")
	}
}

// callee applies the call blocklists to the called expression before the
// general expression rules.
func (w *walker) callee(callee ast.Expression) *Verdict {
	switch c := callee.(type) {
	case *ast.Identifier:
		name := string(c.Name)
		switch {
		case w.rules.imports[name]:
			return deny(ForbiddenImport, "call to module loader %q", name)
		case w.rules.calls[name], w.rules.names[name]:
			return deny(ForbiddenCall, "call to blocked function %q", name)
		}
		return nil
	case *ast.DotExpression:
		method := c.Identifier.Name.String()
		switch {
		case w.rules.imports[method]:
			return deny(ForbiddenImport, "call to module loader %q", method)
		case w.rules.calls[method]:
			return deny(ForbiddenCall, "call to blocked method %q", method)
		}
		if v := w.member(method); v != nil {
			return v
		}
		return w.expression(c.Left)
	default:
		return w.expression(callee)
	}
}

// assignTarget rejects any form of (re)binding of the reserved input name.
// Member assignments are allowed: they mutate the sandbox's own copy.
func (w *walker) assignTarget(target ast.Expression) *Verdict {
	switch t := target.(type) {
	case *ast.Identifier:
		if string(t.Name) == InputName {
			return deny(OverwritesInput, "assignment to reserved input binding %q", InputName)
		}
		return nil
	case *ast.DotExpression, *ast.BracketExpression:
		return w.expression(target)
	case *ast.ArrayPattern:
		for _, el := range t.Elements {
			if v := w.assignTarget(el); v != nil {
				return v
			}
		}
		return w.assignTarget(t.Rest)
	case *ast.ObjectPattern:
		if v := w.patternProperties(t.Properties); v != nil {
			return v
		}
		return w.assignTarget(t.Rest)
	case nil:
		return nil
	default:
		return deny(ForbiddenStatement, "unsupported assignment target %T", target)
	}
}

func (w *walker) bindings(list []*ast.Binding) *Verdict {
	for _, b := range list {
		if v := w.binding(b); v != nil {
			return v
		}
	}
	return nil
}

func (w *walker) binding(b *ast.Binding) *Verdict {
	if b == nil {
		return nil
	}
	if v := w.bindingTarget(b.Target); v != nil {
		return v
	}
	return w.expression(b.Initializer)
}

func (w *walker) bindingTarget(target ast.BindingTarget) *Verdict {
	switch t := target.(type) {
	case nil:
		return nil
	case *ast.Identifier:
		if string(t.Name) == InputName {
			return deny(OverwritesInput, "declaration shadows reserved input binding %q", InputName)
		}
		return nil
	case *ast.ArrayPattern:
		for _, el := range t.Elements {
			if v := w.assignTarget(el); v != nil {
				return v
			}
		}
		return w.assignTarget(t.Rest)
	case *ast.ObjectPattern:
		if v := w.patternProperties(t.Properties); v != nil {
			return v
		}
		return w.assignTarget(t.Rest)
	default:
		return deny(ForbiddenStatement, "unsupported binding target %T", target)
	}
}

func (w *walker) patternProperties(props []ast.Property) *Verdict {
	for _, p := range props {
		switch prop := p.(type) {
		case *ast.PropertyShort:
			if string(prop.Name.Name) == InputName {
				return deny(OverwritesInput, "destructuring into reserved input binding %q", InputName)
			}
			if v := w.expression(prop.Initializer); v != nil {
				return v
			}
		case *ast.PropertyKeyed:
			if v := w.assignTarget(prop.Value); v != nil {
				return v
			}
		case *ast.SpreadElement:
			if v := w.assignTarget(prop.Expression); v != nil {
				return v
			}
		default:
			return deny(ForbiddenStatement, "unsupported destructuring pattern %T", p)
		}
	}
	return nil
}

func (w *walker) properties(props []ast.Property) *Verdict {
	for _, p := range props {
		switch prop := p.(type) {
		case *ast.PropertyShort:
			if v := w.name(string(prop.Name.Name)); v != nil {
				return v
			}
			if v := w.expression(prop.Initializer); v != nil {
				return v
			}
		case *ast.PropertyKeyed:
			if v := w.expression(prop.Key); v != nil {
				return v
			}
			if v := w.expression(prop.Value); v != nil {
				return v
			}
		case *ast.SpreadElement:
			if v := w.expression(prop.Expression); v != nil {
				return v
			}
		default:
			return deny(ForbiddenStatement, "unsupported object property %T", p)
		}
	}
	return nil
}

func (w *walker) functionLiteral(fn *ast.FunctionLiteral) *Verdict {
	if fn == nil {
		return nil
	}
	if v := w.parameterList(fn.ParameterList); v != nil {
		return v
	}
	return w.statement(fn.Body)
}

func (w *walker) arrowFunctionLiteral(fn *ast.ArrowFunctionLiteral) *Verdict {
	if v := w.parameterList(fn.ParameterList); v != nil {
		return v
	}
	switch body := fn.Body.(type) {
	case *ast.BlockStatement:
		return w.statements(body.List)
	case *ast.ExpressionBody:
		return w.expression(body.Expression)
	default:
		return deny(ForbiddenStatement, "unsupported function body %T", fn.Body)
	}
}

func (w *walker) parameterList(params *ast.ParameterList) *Verdict {
	if params == nil {
		return nil
	}
	if v := w.bindings(params.List); v != nil {
		return v
	}
	return w.assignTarget(params.Rest)
}

func (w *walker) forInitializer(init ast.ForLoopInitializer) *Verdict {
	switch i := init.(type) {
	case nil:
		return nil
	case *ast.ForLoopInitializerExpression:
		return w.expression(i.Expression)
	case *ast.ForLoopInitializerVarDeclList:
		return w.bindings(i.List)
	case *ast.ForLoopInitializerLexicalDecl:
		return w.bindings(i.LexicalDeclaration.List)
	default:
		return deny(ForbiddenStatement, "unsupported loop initializer %T", init)
	}
}

func (w *walker) forInto(into ast.ForInto) *Verdict {
	switch i := into.(type) {
	case nil:
		return nil
	case *ast.ForIntoVar:
		return w.binding(i.Binding)
	case *ast.ForIntoExpression:
		return w.assignTarget(i.Expression)
	case *ast.ForDeclaration:
		return w.bindingTarget(i.Target)
	default:
		return deny(ForbiddenStatement, "unsupported loop binding %T", into)
	}
}
