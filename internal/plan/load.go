package plan

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Parse decodes a plan from YAML or JSON and checks its structure.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if err := Check(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile reads a plan file from disk.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return Parse(data)
}
