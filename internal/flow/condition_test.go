package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestEvaluate_Operators(t *testing.T) {
	vars := map[string]string{"age": "17", "name": "Maria", "score": "9.5", "city": "São Paulo", "limit": "10", "nan": "NaN", "hex": "0x12"}

	tests := []struct {
		clause models.Clause
		want   bool
	}{
		{models.Clause{Variable: "age", Operator: ">=", Value: "18"}, false},
		{models.Clause{Variable: "age", Operator: "<", Value: "18"}, true},
		{models.Clause{Variable: "age", Operator: "==", Value: "17.0"}, true},
		{models.Clause{Variable: "score", Operator: ">", Value: "10"}, false},
		{models.Clause{Variable: "score", Operator: "<", Value: "{{limit}}"}, true},
		{models.Clause{Variable: "name", Operator: "==", Value: "Maria"}, true},
		{models.Clause{Variable: "name", Operator: "!=", Value: "Maria"}, false},
		{models.Clause{Variable: "name", Operator: ">", Value: "Ana"}, true},
		{models.Clause{Variable: "city", Operator: "contains", Value: "Paulo"}, true},
		{models.Clause{Variable: "age", Operator: "contains", Value: "7"}, true},
		{models.Clause{Variable: "age", Operator: "gte", Value: "17"}, true},
		{models.Clause{Variable: "age", Operator: "neq", Value: "17"}, false},
		{models.Clause{Variable: "missing", Operator: "==", Value: ""}, true},
		{models.Clause{Variable: "age", Operator: "~=", Value: "17"}, false},
		// "Maria" is not numeric, so this compares strings.
		{models.Clause{Variable: "name", Operator: "<", Value: "10"}, false},
		// Non-decimal spellings compare as strings.
		{models.Clause{Variable: "nan", Operator: "==", Value: "18"}, false},
		{models.Clause{Variable: "nan", Operator: "<=", Value: "18"}, false},
		{models.Clause{Variable: "hex", Operator: "==", Value: "18"}, false},
	}
	for _, tt := range tests {
		cond := &models.ConditionData{Clauses: []models.Clause{tt.clause}}
		assert.Equal(t, tt.want, Evaluate(cond, vars), "%s %s %s", tt.clause.Variable, tt.clause.Operator, tt.clause.Value)
	}
}

func TestEvaluate_Logic(t *testing.T) {
	vars := map[string]string{"a": "1", "b": "2"}
	yes := models.Clause{Variable: "a", Operator: "==", Value: "1"}
	no := models.Clause{Variable: "b", Operator: "==", Value: "3"}

	assert.False(t, Evaluate(&models.ConditionData{Clauses: []models.Clause{yes, no}}, vars))
	assert.True(t, Evaluate(&models.ConditionData{Clauses: []models.Clause{yes, yes}}, vars))
	assert.True(t, Evaluate(&models.ConditionData{Clauses: []models.Clause{no, yes}, LogicOperator: "or"}, vars))
	assert.False(t, Evaluate(&models.ConditionData{Clauses: []models.Clause{no, no}, LogicOperator: models.LogicOr}, vars))
}

func TestEvaluate_IsTotal(t *testing.T) {
	values := []string{"", "0", "-1.5", "1e3", "NaN", "abc", "{{x}}", "  7 ", "١٢"}
	ops := []string{"==", "!=", ">", "<", ">=", "<=", "contains", "bogus", ""}
	for _, left := range values {
		for _, right := range values {
			for _, op := range ops {
				cond := &models.ConditionData{Clauses: []models.Clause{{Variable: "v", Operator: op, Value: right}}}
				assert.NotPanics(t, func() { Evaluate(cond, map[string]string{"v": left}) })
			}
		}
	}
	assert.False(t, Evaluate(nil, nil))
}
