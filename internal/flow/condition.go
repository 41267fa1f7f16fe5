package flow

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Comparison operators understood by condition clauses.
const (
	OpEqual          = "=="
	OpNotEqual       = "!="
	OpGreater        = ">"
	OpLess           = "<"
	OpGreaterOrEqual = ">="
	OpLessOrEqual    = "<="
	OpContains       = "contains"
)

var operatorAliases = map[string]string{
	"=":         OpEqual,
	"eq":        OpEqual,
	"equals":    OpEqual,
	"neq":       OpNotEqual,
	"not_equal": OpNotEqual,
	"gt":        OpGreater,
	"lt":        OpLess,
	"gte":       OpGreaterOrEqual,
	"lte":       OpLessOrEqual,
}

// Evaluate reports whether the clauses of a condition node hold for vars. It never fails:
// an unknown operator makes its clause false.
func Evaluate(cond *models.ConditionData, vars map[string]string) bool {
	if cond == nil || len(cond.Clauses) == 0 {
		return false
	}
	or := cond.Logic() == models.LogicOr
	for _, cl := range cond.Clauses {
		ok := evaluateClause(cl, vars)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func evaluateClause(cl models.Clause, vars map[string]string) bool {
	left := vars[cl.Variable]
	right := Resolve(cl.Value, vars)
	return compare(left, normalizeOperator(cl.Operator), right)
}

func normalizeOperator(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := operatorAliases[op]; ok {
		return alias
	}
	return op
}

// compare applies op numerically when both sides are plain decimals and lexically otherwise.
// contains is always a substring test.
func compare(left, op, right string) bool {
	if op == OpContains {
		return strings.Contains(left, right)
	}

	var cmp int
	lf, lok := parseDecimal(strings.TrimSpace(left))
	rf, rok := parseDecimal(strings.TrimSpace(right))
	if lok && rok {
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(left, right)
	}

	switch op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpGreater:
		return cmp > 0
	case OpLess:
		return cmp < 0
	case OpGreaterOrEqual:
		return cmp >= 0
	case OpLessOrEqual:
		return cmp <= 0
	}
	slog.Warn("Condition compare: unknown operator, clause evaluates to false", "operator", op)
	return false
}
