package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatTemplate_RendersMessages(t *testing.T) {
	src := "{% for m in messages %}{{ m.role }}: {{ m.content }}\n{% endfor %}"
	tpl, err := NewChatTemplate(src, "<s>", "</s>", false)
	require.NoError(t, err)

	out, err := tpl.Render([]ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "user: hi\nassistant: hello\n", out)
}

func TestChatTemplate_RaiseException_SurfacesAsTemplateError(t *testing.T) {
	src := "{% for m in messages %}{% if m.role == \"system\" %}{{ raise_exception(\"system role not supported\") }}{% endif %}{% endfor %}"
	tpl, err := NewChatTemplate(src, "", "", false)
	require.NoError(t, err)

	_, err = tpl.Render([]ChatMessage{{Role: "system", Content: "x"}})
	require.Error(t, err)
	var templateErr *TemplateError
	require.ErrorAs(t, err, &templateErr)
	assert.Contains(t, templateErr.Error(), "system role not supported")
}

func TestNewChatTemplate_InvalidSyntax_ReturnsTemplateError(t *testing.T) {
	_, err := NewChatTemplate("{% unknown_tag %}", "", "", false)
	require.Error(t, err)
	var templateErr *TemplateError
	assert.ErrorAs(t, err, &templateErr)
}
