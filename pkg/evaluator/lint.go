package evaluator

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Admission must give the same answer for the same message on every node,
// so constraint expressions may not read the clock or iterate maps in
// source order, and comprehensions may not nest.
var forbiddenCalls = map[string]string{
	"now":    "now() reads the wall clock",
	"keys":   "map iteration order is unspecified",
	"values": "map iteration order is unspecified",
}

func lint(parsed *cel.Ast) error {
	expr := parsed.Expr() //nolint:staticcheck // the checked AST has no traversal API yet
	return lintExpr(expr, 0)
}

func lintExpr(e *exprpb.Expr, comprehensions int) error {
	if e == nil {
		return nil
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_CallExpr:
		if why, bad := forbiddenCalls[k.CallExpr.Function]; bad {
			return fmt.Errorf("expression calls %s: %s", k.CallExpr.Function, why)
		}
		if err := lintExpr(k.CallExpr.Target, comprehensions); err != nil {
			return err
		}
		for _, arg := range k.CallExpr.Args {
			if err := lintExpr(arg, comprehensions); err != nil {
				return err
			}
		}
	case *exprpb.Expr_SelectExpr:
		return lintExpr(k.SelectExpr.Operand, comprehensions)
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			if err := lintExpr(el, comprehensions); err != nil {
				return err
			}
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if err := lintExpr(entry.GetMapKey(), comprehensions); err != nil {
				return err
			}
			if err := lintExpr(entry.Value, comprehensions); err != nil {
				return err
			}
		}
	case *exprpb.Expr_ComprehensionExpr:
		if comprehensions > 0 {
			return fmt.Errorf("expression nests comprehensions")
		}
		c := k.ComprehensionExpr
		for _, sub := range []*exprpb.Expr{c.IterRange, c.AccuInit, c.LoopCondition, c.LoopStep, c.Result} {
			if err := lintExpr(sub, comprehensions+1); err != nil {
				return err
			}
		}
	}
	return nil
}
