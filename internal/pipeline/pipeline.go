// Package pipeline holds the declared stage order jobs move through.
package pipeline

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Pipeline is an immutable ordered list of stage names. The last stage is
// terminal: completing it completes the job.
type Pipeline struct {
	stages []string
	index  map[string]int
}

// New builds a pipeline from the declared order.
func New(stages []string) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one stage")
	}
	p := &Pipeline{stages: make([]string, 0, len(stages)), index: make(map[string]int, len(stages))}
	for _, stage := range stages {
		stage = strings.TrimSpace(stage)
		if stage == "" {
			return nil, fmt.Errorf("pipeline stage names must not be empty")
		}
		if _, dup := p.index[stage]; dup {
			return nil, fmt.Errorf("pipeline stage %q declared twice", stage)
		}
		p.index[stage] = len(p.stages)
		p.stages = append(p.stages, stage)
	}
	return p, nil
}

// Stages returns a copy of the stage order.
func (p *Pipeline) Stages() []string {
	return append([]string(nil), p.stages...)
}

// First returns the entry stage.
func (p *Pipeline) First() string {
	return p.stages[0]
}

// Terminal returns the final stage.
func (p *Pipeline) Terminal() string {
	return p.stages[len(p.stages)-1]
}

// Contains reports whether stage is declared.
func (p *Pipeline) Contains(stage string) bool {
	_, ok := p.index[stage]
	return ok
}

// IsTerminal reports whether stage is the final stage.
func (p *Pipeline) IsTerminal(stage string) bool {
	return stage == p.Terminal()
}

// Next returns the stage following stage. ok is false for the terminal stage
// and for unknown stages.
func (p *Pipeline) Next(stage string) (string, bool) {
	idx, known := p.index[stage]
	if !known || idx == len(p.stages)-1 {
		return "", false
	}
	return p.stages[idx+1], true
}

// Previous returns the stage preceding stage.
func (p *Pipeline) Previous(stage string) (string, bool) {
	idx, known := p.index[stage]
	if !known || idx == 0 {
		return "", false
	}
	return p.stages[idx-1], true
}

var titleCaser = cases.Title(language.Und)

// Label renders a stage name for display ("qa" becomes "QA", "fact_check"
// becomes "Fact Check").
func Label(stage string) string {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return ""
	}
	if len(stage) <= 2 {
		return strings.ToUpper(stage)
	}
	return titleCaser.String(strings.NewReplacer("_", " ", "-", " ").Replace(stage))
}
