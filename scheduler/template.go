// Chat template rendering, mirroring the original router's ChatTemplate:
// a Jinja-compatible template plus a raise_exception global the template
// itself can call to signal a validation failure (e.g. an unsupported
// message role) as a template error rather than a Go panic.

package scheduler

import (
	"fmt"

	"github.com/flosch/pongo2/v6"
)

// ChatMessage is one turn in a chat-formatted prompt.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatTemplate renders a list of messages into a single prompt string.
type ChatTemplate struct {
	tpl            *pongo2.Template
	bosToken       string
	eosToken       string
	addGenPrompt   bool
}

// NewChatTemplate compiles src (a Jinja-style chat template) and wires in
// the raise_exception global the template can call to abort rendering
// with a caller-supplied message.
func NewChatTemplate(src, bosToken, eosToken string, addGenerationPrompt bool) (*ChatTemplate, error) {
	set := pongo2.NewSet("chat-template", pongo2.DefaultLoader)
	set.Globals["raise_exception"] = func(msg *pongo2.Value) *pongo2.Value {
		panic(&TemplateError{Err: fmt.Errorf("%s", msg.String())})
	}
	tpl, err := set.FromString(src)
	if err != nil {
		return nil, &TemplateError{Err: err}
	}
	return &ChatTemplate{tpl: tpl, bosToken: bosToken, eosToken: eosToken, addGenPrompt: addGenerationPrompt}, nil
}

// Render renders messages against the template, converting both compile-
// and runtime-raised failures (including raise_exception panics) into a
// TemplateError.
func (t *ChatTemplate) Render(messages []ChatMessage) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			if te, ok := r.(*TemplateError); ok {
				err = te
				return
			}
			err = &TemplateError{Err: fmt.Errorf("%v", r)}
		}
	}()

	ctxMessages := make([]pongo2.Context, len(messages))
	for i, m := range messages {
		ctxMessages[i] = pongo2.Context{"role": m.Role, "content": m.Content}
	}

	rendered, renderErr := t.tpl.Execute(pongo2.Context{
		"messages":              ctxMessages,
		"bos_token":             t.bosToken,
		"eos_token":             t.eosToken,
		"add_generation_prompt": t.addGenPrompt,
	})
	if renderErr != nil {
		return "", &TemplateError{Err: renderErr}
	}
	return rendered, nil
}
