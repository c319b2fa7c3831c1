// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Job is one entry in a run manifest.
type Job struct {
	// Name identifies the job in logs. Unique within a manifest.
	Name string `yaml:"name"`

	// Command is the argv to execute. The first element is resolved
	// via PATH.
	Command []string `yaml:"command"`

	// Dir is the working directory for the command. Empty means the
	// current directory.
	Dir string `yaml:"dir,omitempty"`
}

// Manifest is the YAML job list accepted by --manifest.
//
//	jobs:
//	  - name: compile
//	    command: [make, -C, src, all]
//	  - name: docs
//	    command: [make, -C, docs, html]
//	    dir: /work/project
type Manifest struct {
	Jobs []Job `yaml:"jobs"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &manifest, nil
}

// Validate checks every job for a usable name and command. All
// problems are reported together.
func (m *Manifest) Validate() error {
	var errs []error

	if len(m.Jobs) == 0 {
		errs = append(errs, errors.New("no jobs defined"))
	}

	seen := make(map[string]bool, len(m.Jobs))
	for i, job := range m.Jobs {
		switch {
		case job.Name == "":
			errs = append(errs, fmt.Errorf("job %d: name is required", i))
		case seen[job.Name]:
			errs = append(errs, fmt.Errorf("job %d: duplicate name %q", i, job.Name))
		default:
			seen[job.Name] = true
		}
		if len(job.Command) == 0 {
			errs = append(errs, fmt.Errorf("job %d: command is required", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
