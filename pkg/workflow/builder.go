package workflow

import (
	"time"

	"github.com/optiflows/tukio/pkg/task"
)

// Builder assembles a TemplateDef fluently, as an alternative to
// writing the declarative form by hand.
type Builder struct {
	def TemplateDef
}

// NewBuilder starts a template definition with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{def: TemplateDef{ID: id, Graph: map[string][]string{}}}
}

func (b *Builder) Policy(policy OverrunPolicy) *Builder {
	b.def.Policy = string(policy)
	return b
}

func (b *Builder) Topics(topics ...string) *Builder {
	b.def.Topics = topics
	return b
}

func (b *Builder) Timeout(d time.Duration) *Builder {
	b.def.Timeout = d.Seconds()
	return b
}

// Task adds a task node to the definition.
func (b *Builder) Task(def task.Def) *Builder {
	b.def.Tasks = append(b.def.Tasks, def)
	if _, ok := b.def.Graph[def.ID]; !ok {
		b.def.Graph[def.ID] = []string{}
	}
	return b
}

// Link adds a directed edge from an upstream to a downstream task.
func (b *Builder) Link(from, to string) *Builder {
	b.def.Graph[from] = append(b.def.Graph[from], to)
	return b
}

// Def returns the assembled declarative form.
func (b *Builder) Def() TemplateDef {
	return b.def
}

// Build parses the assembled definition into a template.
func (b *Builder) Build() (*Template, error) {
	return FromDef(b.def)
}
