package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	vars := map[string]string{"name": "Ana", "contact.city": "Recife", "loop": "{{name}}"}

	tests := []struct {
		in   string
		want string
	}{
		{"Hello {{name}}!", "Hello Ana!"},
		{"{{ name }} from {{contact.city}}", "Ana from Recife"},
		{"Missing: [{{unknown}}]", "Missing: []"},
		{"No placeholders", "No placeholders"},
		{"{{loop}}", "{{name}}"},
		{"{{name}}{{name}}", "AnaAna"},
		{"{{ not closed", "{{ not closed"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Resolve(tt.in, vars), "Resolve(%q)", tt.in)
	}
}

func TestResolve_IdempotentWithoutPlaceholders(t *testing.T) {
	vars := map[string]string{"a": "1"}
	for _, s := range []string{"plain", "Olá, tudo bem?", "{ single }", "a}}b{{"} {
		once := Resolve(s, vars)
		assert.Equal(t, once, Resolve(once, vars))
	}
	resolved := Resolve("value {{a}}", vars)
	assert.Equal(t, resolved, Resolve(resolved, vars))
}

func TestResolveMap(t *testing.T) {
	assert.Nil(t, resolveMap(nil, nil))
	got := resolveMap(map[string]string{"Authorization": "Bearer {{token}}"}, map[string]string{"token": "t0k"})
	assert.Equal(t, map[string]string{"Authorization": "Bearer t0k"}, got)
}
