package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"jobapply-engine/internal/domain"
)

// LoadProfile reads the candidate profile written by the resume collaborator.
func LoadProfile(path string) (domain.Profile, error) {
	var p domain.Profile
	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}
