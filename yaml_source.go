package sagaflow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/sagaflow/pkg/api"
)

// YAMLSource returns a Source that registers every workflow definition found
// in the files matching pattern. A file may hold several definitions as
// separate YAML documents:
//
//	name: async_registration
//	context_schema:
//	  type: object
//	  fields:
//	    - {name: email, required: true, schema: {type: string}}
//	actions:
//	  - name: create_user
//	    execution: async
//	  - name: send_welcome_email
//	    execution: async
//	    wait_for: [create_user]
//	    async: {queue: mail, delay: 5m}
func YAMLSource(pattern string) Source {
	return func(r *Registry) error {
		files, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("sagaflow: workflow pattern %q: %w", pattern, err)
		}
		sort.Strings(files)

		for _, file := range files {
			defs, err := LoadWorkflowFile(file)
			if err != nil {
				return err
			}
			for _, def := range defs {
				if err := r.AddWorkflow(def); err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
			}
		}
		return nil
	}
}

// LoadWorkflowFile decodes and validates the workflow definitions in file.
func LoadWorkflowFile(file string) ([]WorkflowDefinition, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open workflow file: %w", err)
	}
	defer f.Close()

	defs, err := DecodeWorkflows(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return defs, nil
}

// DecodeWorkflows decodes every YAML document in r as a workflow definition.
// Unknown keys are rejected.
func DecodeWorkflows(r io.Reader) ([]WorkflowDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs []WorkflowDefinition
	for {
		var def api.WorkflowDefinition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			return defs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		if err := api.ValidateWorkflowDefinition(&def); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
}
