// Package jobfile reads batch job definitions from YAML (or JSON) files.
package jobfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/corvohq/batchrun/internal/batch"
)

type fileOperation struct {
	Callable string `yaml:"callable"`
	Args     []any  `yaml:"args"`
}

type fileSet struct {
	Title      string          `yaml:"title"`
	Finished   string          `yaml:"finished"`
	Operations []fileOperation `yaml:"operations"`
}

type file struct {
	Title    string    `yaml:"title"`
	Redirect string    `yaml:"redirect"`
	Driver   string    `yaml:"driver"`
	Sets     []fileSet `yaml:"sets"`
}

// Load reads and parses the job definition at path.
func Load(path string) (batch.SubmitRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return batch.SubmitRequest{}, fmt.Errorf("read job file: %w", err)
	}
	req, err := Parse(data)
	if err != nil {
		return batch.SubmitRequest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return req, nil
}

// Parse converts a job definition into a submit request. Unknown keys are
// rejected; operation arguments may be any YAML value that has a JSON form.
func Parse(data []byte) (batch.SubmitRequest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return batch.SubmitRequest{}, fmt.Errorf("job file is empty")
		}
		return batch.SubmitRequest{}, err
	}

	req := batch.SubmitRequest{Title: f.Title, Redirect: f.Redirect, Driver: f.Driver}
	for i, s := range f.Sets {
		set := batch.OperationSet{Title: s.Title, Finished: s.Finished}
		for j, op := range s.Operations {
			o := batch.Operation{Callable: op.Callable}
			for k, a := range op.Args {
				raw, err := json.Marshal(a)
				if err != nil {
					return batch.SubmitRequest{}, fmt.Errorf("set %d operation %d argument %d: %w", i, j, k, err)
				}
				o.Args = append(o.Args, raw)
			}
			set.Operations = append(set.Operations, o)
		}
		req.Sets = append(req.Sets, set)
	}
	return req, nil
}
