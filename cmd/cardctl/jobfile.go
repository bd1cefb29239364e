package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"cardflow/internal/models"
)

// jobFile is the YAML document accepted by `cardctl jobs apply`.
type jobFile struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Params      models.JobParams `yaml:"params"`
}

func readJobFile(path string) (models.Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.Job{}, err
	}
	return parseJobFile(raw)
}

func parseJobFile(raw []byte) (models.Job, error) {
	var f jobFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return models.Job{}, fmt.Errorf("parse job file: %w", err)
	}
	if strings.TrimSpace(f.Name) == "" {
		return models.Job{}, errors.New("job file: name is required")
	}
	if len(f.Params.Templates) == 0 {
		return models.Job{}, errors.New("job file: at least one template is required")
	}
	return models.Job{Name: f.Name, Description: f.Description, Params: f.Params}, nil
}
