package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// StaticRenderer is a map-backed Renderer for development and tests. The
// production renderer lives in the backend platform and is reached over its
// own API; this one substitutes {{name}} markers from the variable map.
type StaticRenderer struct {
	// templates is keyed "<templateKey>/<channel>".
	templates map[string]Rendered
}

func NewStaticRenderer() *StaticRenderer {
	return &StaticRenderer{templates: map[string]Rendered{}}
}

// Put registers or replaces a template for one channel.
func (r *StaticRenderer) Put(templateKey, channel string, tpl Rendered) {
	r.templates[templateKey+"/"+channel] = tpl
}

// Keys returns the registered template keys, sorted, for diagnostics.
func (r *StaticRenderer) Keys() []string {
	out := make([]string, 0, len(r.templates))
	for k := range r.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *StaticRenderer) Render(ctx context.Context, templateKey, channel string, variables map[string]any) (Rendered, error) {
	if err := ctx.Err(); err != nil {
		return Rendered{}, err
	}
	tpl, ok := r.templates[templateKey+"/"+channel]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, templateKey, channel)
	}
	return Rendered{
		Primary:   substitute(tpl.Primary, variables),
		Secondary: substitute(tpl.Secondary, variables),
		Tertiary:  substitute(tpl.Tertiary, variables),
	}, nil
}

func substitute(s string, variables map[string]any) string {
	if s == "" || len(variables) == 0 {
		return s
	}
	pairs := make([]string, 0, len(variables)*2)
	for k, v := range variables {
		pairs = append(pairs, "{{"+k+"}}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// MergeVariables overlays per-recipient overrides on shared defaults;
// recipient values win on conflict. Neither input map is mutated.
func MergeVariables(defaults, overrides map[string]any) map[string]any {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
