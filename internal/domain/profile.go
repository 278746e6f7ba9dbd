package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Education struct {
	Degree      string `yaml:"degree" json:"degree"`
	Institution string `yaml:"institution" json:"institution"`
}

// Profile is the candidate data supplied by the resume collaborator. The
// engine only reads it.
type Profile struct {
	Name            string            `yaml:"name" json:"name"`
	Email           string            `yaml:"email" json:"email"`
	Phone           string            `yaml:"phone" json:"phone"`
	Location        string            `yaml:"location" json:"location"`
	LinkedIn        string            `yaml:"linkedin" json:"linkedin"`
	GitHub          string            `yaml:"github" json:"github"`
	CurrentCompany  string            `yaml:"current_company" json:"currentCompany"`
	ResumePath      string            `yaml:"resume_path" json:"resumePath"`
	Skills          []string          `yaml:"skills" json:"skills"`
	RequiredSkills  []string          `yaml:"required_skills" json:"requiredSkills"`
	YearsExperience float64           `yaml:"years_experience" json:"yearsExperience"`
	Education       []Education       `yaml:"education" json:"education"`
	Answers         map[string]string `yaml:"answers" json:"answers"`
	CoverLetter     string            `yaml:"cover_letter" json:"coverLetter"`
}

// FirstName returns the first token of Name.
func (p Profile) FirstName() string {
	parts := strings.Fields(p.Name)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// LastName returns the last token of Name when there is more than one.
func (p Profile) LastName() string {
	parts := strings.Fields(p.Name)
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}

// Validate reports missing data that makes any submission impossible.
func (p Profile) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("profile.name is required"))
	}
	if strings.TrimSpace(p.Email) == "" {
		errs = append(errs, errors.New("profile.email is required"))
	}
	if strings.TrimSpace(p.ResumePath) == "" {
		errs = append(errs, errors.New("profile.resume_path is required"))
	}
	if len(errs) > 0 {
		return &Failure{Kind: KindFatalConfig, Reason: ReasonFatalConfiguration, Err: fmt.Errorf("invalid profile: %w", errors.Join(errs...))}
	}
	return nil
}
