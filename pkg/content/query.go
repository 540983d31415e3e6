package content

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// QueryEngine compiles CEL filter expressions over animals, such as
//
//	species == "dog" && age < 3 && !reserved
//
// Compiled programs are cached by expression text.
type QueryEngine struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]compiled
}

type compiled struct {
	prg    cel.Program
	fields []string
}

// NewQueryEngine creates a QueryEngine with one variable per animal field.
func NewQueryEngine() (*QueryEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("species", cel.StringType),
		cel.Variable("breed", cel.StringType),
		cel.Variable("shelter", cel.StringType),
		cel.Variable("age", cel.IntType),
		cel.Variable("sex", cel.StringType),
		cel.Variable("weight", cel.DoubleType),
		cel.Variable("bio", cel.StringType),
		cel.Variable("reserved", cel.BoolType),
		cel.Variable("picture", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &QueryEngine{env: env, prgCache: make(map[string]compiled)}, nil
}

// Query is a compiled filter.
type Query struct {
	expr string
	compiled
}

// Compile checks expr and returns a reusable Query. The expression must
// evaluate to a bool.
func (e *QueryEngine) Compile(expr string) (*Query, error) {
	e.mu.RLock()
	c, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return &Query{expr: expr, compiled: c}, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("query must be a boolean expression, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	parsed, err := cel.AstToParsedExpr(ast)
	if err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	fields := map[string]bool{}
	collectIdents(parsed.GetExpr(), fields)
	c = compiled{prg: prg}
	for f := range fields {
		c.fields = append(c.fields, f)
	}
	slices.Sort(c.fields)

	e.mu.Lock()
	e.prgCache[expr] = c
	e.mu.Unlock()
	return &Query{expr: expr, compiled: c}, nil
}

// Fields lists the animal fields the query reads, sorted.
func (q *Query) Fields() []string {
	return slices.Clone(q.fields)
}

func collectIdents(e *exprpb.Expr, into map[string]bool) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_IdentExpr:
		into[k.IdentExpr.GetName()] = true
	case *exprpb.Expr_SelectExpr:
		collectIdents(k.SelectExpr.GetOperand(), into)
	case *exprpb.Expr_CallExpr:
		collectIdents(k.CallExpr.GetTarget(), into)
		for _, arg := range k.CallExpr.GetArgs() {
			collectIdents(arg, into)
		}
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.GetElements() {
			collectIdents(el, into)
		}
	case *exprpb.Expr_ComprehensionExpr:
		c := k.ComprehensionExpr
		local := map[string]bool{}
		for _, sub := range []*exprpb.Expr{c.GetIterRange(), c.GetAccuInit(), c.GetLoopCondition(), c.GetLoopStep(), c.GetResult()} {
			collectIdents(sub, local)
		}
		delete(local, c.GetIterVar())
		delete(local, c.GetAccuVar())
		for name := range local {
			into[name] = true
		}
	}
}

// Match evaluates the query against u.
func (q *Query) Match(u *Unit) (bool, error) {
	out, _, err := q.prg.Eval(map[string]any{
		"id":       u.ID,
		"name":     u.Key.Name,
		"species":  u.Key.Species,
		"breed":    u.Key.Breed,
		"shelter":  u.Key.Shelter,
		"age":      int64(u.Attrs.Age),
		"sex":      string(u.Attrs.Sex),
		"weight":   u.Attrs.Weight,
		"bio":      u.Attrs.Bio,
		"reserved": u.Attrs.Reserved,
		"picture":  u.Attrs.Picture,
	})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", q.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result is %T, not bool", q.expr, out.Value())
	}
	return b, nil
}

// Select returns the units matching q, keeping order.
func (q *Query) Select(units []*Unit) ([]*Unit, error) {
	out := make([]*Unit, 0, len(units))
	for _, u := range units {
		ok, err := q.Match(u)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, u)
		}
	}
	return out, nil
}
