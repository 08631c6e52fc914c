package policy

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

var (
	requestType = reflect.TypeOf(contracts.ExecutionRequest{})
	timeType    = reflect.TypeOf(time.Time{})
)

// checkFieldPaths rejects field selections on "request" that name no JSON
// field of ExecutionRequest. Without it a typo such as request.action.typ
// compiles, then evaluates to UNKNOWN on every request.
func checkFieldPaths(ast *cel.Ast) error {
	checked, err := cel.AstToCheckedExpr(ast)
	if err != nil {
		return err
	}
	var bad []string
	walkExpr(checked.GetExpr(), func(e *exprpb.Expr) {
		if path, ok := requestPath(e); ok && !knownPath(requestType, path) {
			bad = append(bad, "request."+strings.Join(path, "."))
		}
	})
	if len(bad) > 0 {
		return fmt.Errorf("unknown request field %s", strings.Join(bad, ", "))
	}
	return nil
}

// requestPath returns the field chain of a select expression rooted at the
// request variable.
func requestPath(e *exprpb.Expr) ([]string, bool) {
	var rev []string
	for e.GetSelectExpr() != nil {
		rev = append(rev, e.GetSelectExpr().GetField())
		e = e.GetSelectExpr().GetOperand()
	}
	if len(rev) == 0 || e.GetIdentExpr().GetName() != "request" {
		return nil, false
	}
	path := make([]string, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path, true
}

// knownPath follows json tags through t. Maps and interfaces are free-form
// below their own key, so any path into them is accepted.
func knownPath(t reflect.Type, path []string) bool {
	for _, seg := range path {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		switch {
		case t.Kind() == reflect.Map, t.Kind() == reflect.Interface:
			return true
		case t.Kind() != reflect.Struct, t == timeType:
			return false
		}
		f, ok := jsonField(t, seg)
		if !ok {
			return false
		}
		t = f.Type
	}
	return true
}

func jsonField(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if tag == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

func walkExpr(e *exprpb.Expr, visit func(*exprpb.Expr)) {
	if e == nil {
		return
	}
	visit(e)
	switch {
	case e.GetSelectExpr() != nil:
		walkExpr(e.GetSelectExpr().GetOperand(), visit)
	case e.GetCallExpr() != nil:
		walkExpr(e.GetCallExpr().GetTarget(), visit)
		for _, a := range e.GetCallExpr().GetArgs() {
			walkExpr(a, visit)
		}
	case e.GetListExpr() != nil:
		for _, el := range e.GetListExpr().GetElements() {
			walkExpr(el, visit)
		}
	case e.GetStructExpr() != nil:
		for _, entry := range e.GetStructExpr().GetEntries() {
			walkExpr(entry.GetMapKey(), visit)
			walkExpr(entry.GetValue(), visit)
		}
	case e.GetComprehensionExpr() != nil:
		c := e.GetComprehensionExpr()
		for _, sub := range []*exprpb.Expr{c.GetIterRange(), c.GetAccuInit(), c.GetLoopCondition(), c.GetLoopStep(), c.GetResult()} {
			walkExpr(sub, visit)
		}
	}
}
