// Package policy compiles the three policy surfaces (label transforms,
// code-policy actions, and path/secret authorization) into the pushdown
// filters and per-row decisions the rest of the runtime consults. An
// Engine is built once per applied Version, from that version's
// policy.yaml files and the per-entity code-policy sources named
// alongside the schema.
package policy

import (
	"fmt"
	"net/http"

	"chiselcore.dev/chiselcore/internal/policy/codepolicy"
	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// Action is the outcome of evaluating a code policy against one row. The
// enum order (Allow, Skip, Deny, Log) is also the precedence order this
// package uses whenever more than one rule could apply to the same row:
// Combine keeps the most severe of a set.
type Action = codepolicy.ActionName

const (
	ActionAllow = codepolicy.ActionAllow
	ActionSkip  = codepolicy.ActionSkip
	ActionDeny  = codepolicy.ActionDeny
	ActionLog   = codepolicy.ActionLog
)

// Combine returns the most severe action among those given, or ActionAllow
// if none were supplied.
func Combine(actions ...Action) Action {
	best := ActionAllow
	for _, a := range actions {
		if a > best {
			best = a
		}
	}
	return best
}

// EntityPolicy bundles everything one entity's policy module contributes:
// a compiled (or un-compilable) code policy, evaluated per CRUD Method.
type EntityPolicy struct {
	Source string // raw source; empty means no code policy for this entity
}

// Engine holds one Version's compiled policy set.
type Engine struct {
	ts         *typesys.TypeSystem
	labels     []LabelRule
	pathAuth   []PathAuthRule
	secretAuth []SecretAuthRule
	codePolicy map[string]string // entity name -> source
	secrets    SecretStore
}

// New builds an Engine bound to ts, ready to have policy documents loaded
// into it with Load*.
func New(ts *typesys.TypeSystem, secrets SecretStore) *Engine {
	return &Engine{ts: ts, codePolicy: make(map[string]string), secrets: secrets}
}

func (e *Engine) LoadLabelPolicy(doc []byte) error {
	rules, err := ParseLabelPolicy(doc)
	if err != nil {
		return err
	}
	e.labels = append(e.labels, rules...)
	return nil
}

func (e *Engine) LoadPathAuthPolicy(doc []byte) error {
	rules, err := ParsePathAuthPolicy(doc)
	if err != nil {
		return err
	}
	e.pathAuth = append(e.pathAuth, rules...)
	return nil
}

// secretRegistrar is the optional capability a SecretStore may implement
// to learn about a secret name the moment a policy first names it, rather
// than waiting for its next refresh tick (internal/secrets.Store
// implements this; a test double typically doesn't need to).
type secretRegistrar interface {
	Register(name string)
}

func (e *Engine) LoadSecretAuthPolicy(doc []byte) error {
	rules, err := ParseSecretAuthPolicy(doc)
	if err != nil {
		return err
	}
	e.secretAuth = append(e.secretAuth, rules...)
	if reg, ok := e.secrets.(secretRegistrar); ok {
		for _, r := range rules {
			reg.Register(r.SecretName)
		}
	}
	return nil
}

// SetCodePolicy registers entity's code-policy module source, to be
// analyzed lazily the first time ReadFilter or Evaluate needs it.
func (e *Engine) SetCodePolicy(entityName, source string) {
	e.codePolicy[entityName] = source
}

// ReadFilter implements queryplan.PolicyProvider. It tries to compile the
// entity's code policy (if any) down to a SQL-pushable predicate; a code
// policy that doesn't fit the recognized subset (codepolicy.Analyze
// returns ok=false) yields no filter here, and Evaluate returns
// ActionAllow for it, so such a policy restricts no read.
func (e *Engine) ReadFilter(entityName string) (*queryplan.Expr, error) {
	src, ok := e.codePolicy[entityName]
	if !ok || src == "" {
		return nil, nil
	}
	plan, ok := codepolicy.Analyze(src)
	if !ok {
		return nil, nil
	}
	expr, has := plan.WhereConds()
	if !has {
		return nil, nil
	}
	return &expr, nil
}

// RequiresPerRowEvaluation reports whether entityName carries a code
// policy that codepolicy.Analyze could not reduce to a pushdown filter.
// Evaluate does not interpret such a body; it returns ActionAllow for it.
func (e *Engine) RequiresPerRowEvaluation(entityName string) bool {
	src, ok := e.codePolicy[entityName]
	if !ok || src == "" {
		return false
	}
	_, ok = codepolicy.Analyze(src)
	return !ok
}

// Evaluate runs entityName's code policy (if any) against one row and the
// request context, falling back to ActionAllow when no policy is
// registered or the policy body doesn't parse at all. A genuinely broken
// module degrades to "allow", never to a silent deny, the same fail-open
// default an absent policy gets.
func (e *Engine) Evaluate(entityName string, row value.Value, ctxVal value.Value) (Action, error) {
	src, ok := e.codePolicy[entityName]
	if !ok || src == "" {
		return ActionAllow, nil
	}
	plan, ok := codepolicy.Analyze(src)
	if !ok {
		return ActionAllow, nil
	}
	for _, r := range plan.Rules {
		matched, err := evalBool(r.Cond, row, ctxVal)
		if err != nil {
			return ActionAllow, err
		}
		if matched {
			return r.Action, nil
		}
	}
	return plan.Default, nil
}

// ApplyLabels rewrites every top-level field of row carrying a label this
// Engine has a rule for: labels are declared on fields, and a read
// through any endpoint is transformed unless the request path matches
// the rule's except_uri.
func (e *Engine) ApplyLabels(entityName, path, userID string, row value.Value) (value.Value, error) {
	entity, err := e.ts.Lookup(entityName)
	if err != nil {
		return row, err
	}
	m, err := row.AsMap()
	if err != nil {
		return row, nil
	}
	out := value.NewMap()
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		omitted := false
		field, ok := entity.Field(k)
		if ok {
			for _, label := range field.Labels {
				for _, rule := range e.labels {
					if rule.Name != label || !rule.Applies(path) {
						continue
					}
					// omit drops the key outright, not a null value.
					if rule.Transform == TransformOmit {
						omitted = true
						continue
					}
					v = rule.Apply(v, userID)
				}
			}
		}
		if omitted {
			continue
		}
		out.Set(k, v)
	}
	return value.FromMap(out), nil
}

func (e *Engine) AuthorizePath(path, userID string) bool {
	return Authorize(e.pathAuth, path, userID)
}

func (e *Engine) AuthorizeHeader(path string, header http.Header) bool {
	return AuthorizeHeader(e.secretAuth, path, header, e.secrets)
}

// evalBool evaluates expr against (row, ctxVal) and coerces the result to
// a boolean, as used to test one code-policy guard condition.
func evalBool(expr queryplan.Expr, row, ctxVal value.Value) (bool, error) {
	v, err := evalExpr(expr, row, ctxVal)
	if err != nil {
		return false, err
	}
	if v.Kind() == value.KindBool {
		b, _ := v.AsBool()
		return b, nil
	}
	return false, fmt.Errorf("policy: guard condition did not evaluate to a boolean")
}

func evalExpr(expr queryplan.Expr, row, ctxVal value.Value) (value.Value, error) {
	switch expr.Tag {
	case queryplan.ExprValueTag:
		return expr.Literal, nil
	case queryplan.ExprParamTag:
		if expr.ParamIndex == 0 {
			return row, nil
		}
		return ctxVal, nil
	case queryplan.ExprPropTag:
		obj, err := evalExpr(*expr.Object, row, ctxVal)
		if err != nil {
			return value.Null(), err
		}
		m, err := obj.AsMap()
		if err != nil {
			return value.Null(), fmt.Errorf("policy: property access on non-object: %w", err)
		}
		v, ok := m.Get(expr.Property)
		if !ok {
			return value.Null(), nil
		}
		return v, nil
	case queryplan.ExprNotTag:
		b, err := evalBool(*expr.Inner, row, ctxVal)
		if err != nil {
			return value.Null(), err
		}
		return value.Bool(!b), nil
	case queryplan.ExprBinaryTag:
		return evalBinary(expr, row, ctxVal)
	default:
		return value.Null(), fmt.Errorf("policy: unsupported expression tag %d", expr.Tag)
	}
}

func evalBinary(expr queryplan.Expr, row, ctxVal value.Value) (value.Value, error) {
	if expr.Op == queryplan.OpAnd || expr.Op == queryplan.OpOr {
		l, err := evalBool(*expr.Left, row, ctxVal)
		if err != nil {
			return value.Null(), err
		}
		if expr.Op == queryplan.OpAnd && !l {
			return value.Bool(false), nil
		}
		if expr.Op == queryplan.OpOr && l {
			return value.Bool(true), nil
		}
		r, err := evalBool(*expr.Right, row, ctxVal)
		if err != nil {
			return value.Null(), err
		}
		return value.Bool(r), nil
	}

	l, err := evalExpr(*expr.Left, row, ctxVal)
	if err != nil {
		return value.Null(), err
	}
	r, err := evalExpr(*expr.Right, row, ctxVal)
	if err != nil {
		return value.Null(), err
	}
	switch expr.Op {
	case queryplan.OpEq:
		return value.Bool(value.Equal(l, r)), nil
	case queryplan.OpNeq:
		return value.Bool(!value.Equal(l, r)), nil
	case queryplan.OpLt, queryplan.OpLte, queryplan.OpGt, queryplan.OpGte:
		lf, err := l.AsF64()
		if err != nil {
			return value.Null(), err
		}
		rf, err := r.AsF64()
		if err != nil {
			return value.Null(), err
		}
		switch expr.Op {
		case queryplan.OpLt:
			return value.Bool(lf < rf), nil
		case queryplan.OpLte:
			return value.Bool(lf <= rf), nil
		case queryplan.OpGt:
			return value.Bool(lf > rf), nil
		default:
			return value.Bool(lf >= rf), nil
		}
	default:
		return value.Null(), fmt.Errorf("policy: unsupported binary operator %d", expr.Op)
	}
}
