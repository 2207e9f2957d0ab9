package auth

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/labstack/echo/v4"
)

// Policy is a compiled CEL predicate over the caller and the route. The
// expression sees two variables:
//
//	principal.user_id, principal.role, principal.degraded
//	request.params.<name>   path parameters
//
// Example: principal.role in ['doctor', 'admin'] || principal.user_id == request.params.id
type Policy struct {
	expr string
	prg  cel.Program
}

var policyEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("auth: building CEL environment: %v", err))
	}
	policyEnv = env
}

// CompilePolicy parses and checks expr.
func CompilePolicy(expr string) (*Policy, error) {
	ast, iss := policyEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile policy %q: %w", expr, iss.Err())
	}
	prg, err := policyEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program policy %q: %w", expr, err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// MustCompilePolicy is CompilePolicy for route tables; it panics on error.
func MustCompilePolicy(expr string) *Policy {
	p, err := CompilePolicy(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source expression.
func (p *Policy) String() string { return p.expr }

// Evaluate returns a verdict for principal. A nil principal is
// unauthenticated without evaluating the expression. Evaluation errors and
// non-boolean results deny.
func (p *Policy) Evaluate(principal *Principal, params map[string]string) Verdict {
	if principal == nil {
		return Verdict{Reason: ReasonUnauthenticated}
	}
	if params == nil {
		params = map[string]string{}
	}
	out, _, err := p.prg.Eval(map[string]any{
		"principal": map[string]any{
			"user_id":  principal.UserID,
			"role":     string(principal.Role),
			"degraded": principal.Degraded,
		},
		"request": map[string]any{
			"params": params,
		},
	})
	if err != nil {
		return Verdict{Principal: principal, Reason: ReasonForbidden}
	}
	if ok, isBool := out.Value().(bool); isBool && ok {
		return Verdict{Allowed: true, Principal: principal, Reason: ReasonOK}
	}
	return Verdict{Principal: principal, Reason: ReasonForbidden}
}

// RequireExpr allows the request when policy evaluates to true. It must run
// after Authenticate.
func RequireExpr(policy *Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			params := make(map[string]string, len(c.ParamNames()))
			for i, name := range c.ParamNames() {
				params[name] = c.ParamValues()[i]
			}
			v := policy.Evaluate(PrincipalFromContext(c.Request().Context()), params)
			if httpErr := HTTPError(v); httpErr != nil {
				return httpErr
			}
			return next(c)
		}
	}
}
