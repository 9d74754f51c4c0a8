// Package constraint implements constraint extraction from queries and
// gathered context, plus the single pre-call checker shared by the tool
// executor and the validator.
package constraint

import (
	"encoding/json"
	"fmt"
	"os"
)

// Type classifies a constraint.
type Type string

const (
	TypeBudget       Type = "budget"
	TypeFileSize     Type = "file_size"
	TypeTime         Type = "time"
	TypePrivacy      Type = "privacy"
	TypeMustAvoid    Type = "must_avoid"
	TypeAvailability Type = "availability"
	TypeLocation     Type = "location"
)

// Source records where a constraint came from.
type Source string

const (
	SourceExtracted Source = "extracted"
	SourceContext   Source = "context"
)

// Constraint is one typed restriction on the turn.
type Constraint struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`

	// Budget fields.
	MaxAmount float64 `json:"max_amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`

	// File-size fields.
	MaxBytes int64 `json:"max_bytes,omitempty"`

	// Time fields.
	MaxSeconds int64 `json:"max_seconds,omitempty"`

	// Privacy fields.
	NoExternalCalls bool `json:"no_external_calls,omitempty"`

	// Must-avoid fields.
	Term string `json:"term,omitempty"`

	// Tool/domain blocks.
	BlockedTools   []string `json:"blocked_tools,omitempty"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`

	Source       Source `json:"source"`
	OriginalText string `json:"original_text"`
	Status       string `json:"status,omitempty"` // "", "violated", "respected"
}

// Set is the per-turn constraint collection persisted as constraints.json.
type Set struct {
	Constraints []Constraint `json:"constraints"`
}

// Save writes the set to path.
func (s *Set) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a set from path. A missing file yields an empty set.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Set{}, nil
		}
		return nil, fmt.Errorf("read constraints: %w", err)
	}
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse constraints: %w", err)
	}
	return &s, nil
}

// ByType returns the constraints of one type.
func (s *Set) ByType(t Type) []Constraint {
	var out []Constraint
	for _, c := range s.Constraints {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// MarkStatus sets the status of the constraint with the given id.
func (s *Set) MarkStatus(id, status string) {
	for i := range s.Constraints {
		if s.Constraints[i].ID == id {
			s.Constraints[i].Status = status
			return
		}
	}
}
