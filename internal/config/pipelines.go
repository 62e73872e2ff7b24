package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/depflow/internal/dataio"
	"github.com/seantiz/depflow/internal/model"
)

// Pipeline is one named iterator chain from a pipeline file.
type Pipeline struct {
	Name string `yaml:"name"`
	// Context is the device batches are loaded to, e.g. "gpu(0)".
	Context  string         `yaml:"context"`
	InFlight int            `yaml:"in_flight"`
	Stages   []dataio.Stage `yaml:"stages"`
}

// DeviceContext parses Context, defaulting to cpu(0).
func (p *Pipeline) DeviceContext() (model.Context, error) {
	if p.Context == "" {
		return model.CPU(0), nil
	}
	return model.ParseContext(p.Context)
}

// PipelineFile is the top level of a pipeline YAML file.
type PipelineFile struct {
	Pipelines []Pipeline `yaml:"pipelines"`
}

// LoadPipelines reads and validates a pipeline YAML file. Unknown fields are
// rejected.
func LoadPipelines(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}

	var f PipelineFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline file: %w", err)
	}
	return &f, nil
}

func (f *PipelineFile) validate() error {
	if len(f.Pipelines) == 0 {
		return errors.New("no pipelines defined")
	}
	seen := make(map[string]bool, len(f.Pipelines))
	for i := range f.Pipelines {
		p := &f.Pipelines[i]
		if p.Name == "" {
			return fmt.Errorf("pipeline %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("pipeline %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if len(p.Stages) == 0 {
			return fmt.Errorf("pipeline %q: at least one stage is required", p.Name)
		}
		for j, st := range p.Stages {
			if st.Iter == "" {
				return fmt.Errorf("pipeline %q: stage %d: iter is required", p.Name, j)
			}
		}
		if p.InFlight < 0 {
			return fmt.Errorf("pipeline %q: in_flight must not be negative", p.Name)
		}
		if _, err := p.DeviceContext(); err != nil {
			return fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
	}
	return nil
}

// Find returns the pipeline called name. An empty name selects the only
// pipeline of a single-pipeline file.
func (f *PipelineFile) Find(name string) (*Pipeline, error) {
	if name == "" {
		if len(f.Pipelines) == 1 {
			return &f.Pipelines[0], nil
		}
		return nil, errors.New("pipeline name required: file defines several")
	}
	for i := range f.Pipelines {
		if f.Pipelines[i].Name == name {
			return &f.Pipelines[i], nil
		}
	}
	return nil, fmt.Errorf("pipeline %q not found", name)
}
