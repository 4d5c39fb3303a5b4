package framework

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptTemplateRender(t *testing.T) {
	prompt := NewPromptTemplate("Your name is {name} and you are a happy", map[string]string{"name": "Tom"})
	out, err := prompt.Render()
	require.NoError(t, err)
	assert.Equal(t, "Your name is Tom and you are a happy", out)

	out, err = NewPromptTemplate("No variables", nil).Render()
	require.NoError(t, err)
	assert.Equal(t, "No variables", out)
}

func TestPromptTemplateEscapesStayVerbatim(t *testing.T) {
	out, err := NewPromptTemplate(`Escaped \{variables\} must not be rendered`, nil).Render()
	require.NoError(t, err)
	assert.Equal(t, `Escaped \{variables\} must not be rendered`, out)
}

func TestPromptTemplateRecursiveReplacement(t *testing.T) {
	prompt := NewPromptTemplate("Recurrent replacement is Ok {var}", map[string]string{
		"var":  "{var2}",
		"var2": "value",
	})
	out, err := prompt.Render()
	require.NoError(t, err)
	assert.Equal(t, "Recurrent replacement is Ok value", out)
}

func TestPromptTemplateErrors(t *testing.T) {
	cases := []struct {
		name string
		text string
		vars map[string]string
		kind TemplateErrorKind
	}{
		{name: "undeclared", text: "Your name is {name}", kind: TemplateUndeclaredVariable},
		{name: "nested", text: "Nested {replacement {is}} not allowed", kind: TemplateNestedBrace},
		{name: "escaped close", text: `Invalid {escape\} should fail`, kind: TemplateUnmatchedBrace},
		{name: "trailing escape", text: `ends with \`, kind: TemplateTrailingEscape},
		{
			name: "cyclic",
			text: "But be careful with cyclic replacement {var}",
			vars: map[string]string{"var": "{var2}", "var2": "{var}"},
			kind: TemplateCyclic,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPromptTemplate(tc.text, tc.vars).Render()
			var tmplErr *TemplateError
			require.True(t, errors.As(err, &tmplErr), "got %v", err)
			assert.Equal(t, tc.kind, tmplErr.Kind)
		})
	}
}

func TestPromptTemplateNewlineAbandonsVariable(t *testing.T) {
	out, err := NewPromptTemplate("a {b\nc} d", nil).Render()
	require.NoError(t, err)
	assert.Equal(t, "a {b\nc} d", out)
}

func TestPromptTemplateSetVariable(t *testing.T) {
	prompt := NewPromptTemplate("{n} items at {price}", nil)
	prompt.SetVariable("n", 3)
	prompt.SetVariable("price", 1.5)
	out, err := prompt.Render()
	require.NoError(t, err)
	assert.Equal(t, "3 items at 1.500000", out)
}

func TestExtractVariables(t *testing.T) {
	vars, err := ExtractVariables(`{b} and {a} and {b} but not \{c\}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, vars)
}
