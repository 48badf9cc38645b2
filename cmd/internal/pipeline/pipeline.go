// Package pipeline chains the optional transformations applied to a dump before it is uploaded.
package pipeline

import (
	"context"
	"log/slog"
)

type (
	// Stage transforms the file at the input path into a new file and returns its path.
	//
	// The output path is the input path with Suffix() appended. Implementations remove a partially written output
	// on failure and remove the input once the output is complete.
	Stage interface {
		Name() string
		Suffix() string
		Apply(ctx context.Context, inputPath string) (string, error)
	}

	// Pipeline runs compression strictly before encryption, both optional
	Pipeline struct {
		log    *slog.Logger
		stages []Stage
	}
)

// New returns a pipeline, nil stages are skipped
func New(log *slog.Logger, compress Stage, encrypt Stage) *Pipeline {
	p := &Pipeline{log: log}
	if compress != nil {
		p.stages = append(p.stages, compress)
	}
	if encrypt != nil {
		p.stages = append(p.stages, encrypt)
	}
	return p
}

// Stages returns the stages in the order they are applied
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Suffix returns the suffix the pipeline appends to an artifact name
func (p *Pipeline) Suffix() string {
	var s string
	for _, stage := range p.stages {
		s += stage.Suffix()
	}
	return s
}

// Run applies all stages to the file at path and returns the path of the result.
// The optional hook is called before every stage.
func (p *Pipeline) Run(ctx context.Context, path string, before func(stage Stage)) (string, error) {
	current := path
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if before != nil {
			before(stage)
		}

		out, err := stage.Apply(ctx, current)
		if err != nil {
			return "", err
		}
		p.log.Debug("applied stage", "stage", stage.Name(), "output", out)
		current = out
	}
	return current, nil
}
