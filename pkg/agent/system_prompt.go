package agent

import (
	"bytes"
	"context"
	"reflect"
	"runtime"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/pkg/errors"
)

type SystemPromptFn func(ctx context.Context, rc *tools.RunContext) (string, error)

// SystemPromptFunc produces a system prompt at run time. Dynamic prompts are tagged with
// Ref in the history and recomputed whenever a run resumes from that history.
type SystemPromptFunc struct {
	Fn      SystemPromptFn
	Dynamic bool
	Ref     string
}

// NewSystemPromptFunc keys the prompt by the fully qualified name of fn.
func NewSystemPromptFunc(fn SystemPromptFn, dynamic bool) SystemPromptFunc {
	return SystemPromptFunc{Fn: fn, Dynamic: dynamic, Ref: funcRef(fn)}
}

func funcRef(fn interface{}) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return ""
}

func (f SystemPromptFunc) run(ctx context.Context, rc *tools.RunContext) (string, error) {
	s, err := f.Fn(ctx, rc)
	if err != nil {
		return "", errors.Wrapf(err, "system prompt %s", f.Ref)
	}
	return s, nil
}

// promptTemplateData is what system prompt templates are rendered against.
type promptTemplateData struct {
	Deps    any
	Prompt  string
	RunStep int
	Retry   int
}

// NewSystemPromptTemplate renders tmpl with sprig functions against the run context
// (.Deps, .Prompt, .RunStep, .Retry). name becomes the reference of dynamic prompts.
func NewSystemPromptTemplate(name, tmpl string, dynamic bool) (SystemPromptFunc, error) {
	t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(tmpl)
	if err != nil {
		return SystemPromptFunc{}, errors.Wrapf(err, "parse system prompt template %s", name)
	}
	fn := func(ctx context.Context, rc *tools.RunContext) (string, error) {
		var buf bytes.Buffer
		data := promptTemplateData{Deps: rc.Deps, Prompt: rc.Prompt, RunStep: rc.RunStep, Retry: rc.Retry}
		if err := t.Execute(&buf, data); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	return SystemPromptFunc{Fn: fn, Dynamic: dynamic, Ref: "template:" + name}, nil
}
