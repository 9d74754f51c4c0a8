// Package planstate manages plan_state.json: goals, constraint statuses,
// violations, and self-extension failure records.
package planstate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"conductor/internal/logging"
)

// GoalStatus values.
const (
	GoalPending    = "pending"
	GoalInProgress = "in_progress"
	GoalFulfilled  = "fulfilled"
	GoalFailed     = "failed"
)

// Goal is one normalized strategic-plan goal.
type Goal struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ConstraintRef tracks a constraint's standing inside the plan.
type ConstraintRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Violation records one constraint violation with phase attribution.
type Violation struct {
	ConstraintID string `json:"constraint_id"`
	Reason       string `json:"reason"`
	Phase        string `json:"phase"`
}

// ToolCreationFailure records a failed self-extension attempt.
type ToolCreationFailure struct {
	Tool   string   `json:"tool"`
	Reason string   `json:"reason"`
	Paths  []string `json:"paths,omitempty"`
}

// State is the persisted plan state for one turn.
type State struct {
	Goals                []Goal                `json:"goals"`
	Constraints          []ConstraintRef       `json:"constraints"`
	Violations           []Violation           `json:"violations"`
	ToolCreationFailures []ToolCreationFailure `json:"tool_creation_failures,omitempty"`
	LastUpdatedPhase     string                `json:"last_updated_phase"`
}

// Manager owns the plan state for one turn and persists after every
// mutation.
type Manager struct {
	mu    sync.Mutex
	path  string
	state *State
}

// NewManager creates a manager persisting to path, loading existing state if
// present.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path, state: &State{}}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, m.state); err != nil {
			return nil, fmt.Errorf("parse plan state: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read plan state: %w", err)
	}
	return m, nil
}

// Initialize sets the goals and constraint refs once per strategic plan.
// Goals arrive in heterogeneous shapes; NormalizeGoals handles the variants.
func (m *Manager) Initialize(goals []Goal, constraintIDs []string, phase string) error {
	m.mu.Lock()
	m.state.Goals = goals
	m.state.Constraints = m.state.Constraints[:0]
	for _, id := range constraintIDs {
		m.state.Constraints = append(m.state.Constraints, ConstraintRef{ID: id, Status: "active"})
	}
	m.state.LastUpdatedPhase = phase
	m.mu.Unlock()
	return m.save()
}

// RecordViolation appends a violation and flips the matching constraint's
// status.
func (m *Manager) RecordViolation(constraintID, reason, phase string) error {
	m.mu.Lock()
	m.state.Violations = append(m.state.Violations, Violation{
		ConstraintID: constraintID,
		Reason:       reason,
		Phase:        phase,
	})
	for i := range m.state.Constraints {
		if m.state.Constraints[i].ID == constraintID {
			m.state.Constraints[i].Status = "violated"
		}
	}
	m.state.LastUpdatedPhase = phase
	m.mu.Unlock()
	logging.Phase("constraint violation [%s] in %s: %s", constraintID, phase, reason)
	return m.save()
}

// RecordToolCreationFailure appends a self-extension failure record.
func (m *Manager) RecordToolCreationFailure(tool, reason string, paths []string) error {
	m.mu.Lock()
	m.state.ToolCreationFailures = append(m.state.ToolCreationFailures, ToolCreationFailure{
		Tool:   tool,
		Reason: reason,
		Paths:  paths,
	})
	m.mu.Unlock()
	return m.save()
}

// SetGoalStatus updates one goal's status.
func (m *Manager) SetGoalStatus(goalID, status, phase string) error {
	m.mu.Lock()
	for i := range m.state.Goals {
		if m.state.Goals[i].ID == goalID {
			m.state.Goals[i].Status = status
		}
	}
	m.state.LastUpdatedPhase = phase
	m.mu.Unlock()
	return m.save()
}

// State returns a deep copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *m.state
	s.Goals = append([]Goal(nil), m.state.Goals...)
	s.Constraints = append([]ConstraintRef(nil), m.state.Constraints...)
	s.Violations = append([]Violation(nil), m.state.Violations...)
	s.ToolCreationFailures = append([]ToolCreationFailure(nil), m.state.ToolCreationFailures...)
	return s
}

func (m *Manager) save() error {
	m.mu.Lock()
	data, err := json.MarshalIndent(m.state, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

// NormalizeGoals coerces heterogeneous goal representations (strings, maps
// with description/text/goal keys) into Goal values with sequential ids.
func NormalizeGoals(raw []any) []Goal {
	var goals []Goal
	for i, item := range raw {
		g := Goal{ID: fmt.Sprintf("goal_%d", i+1), Status: GoalPending}
		switch v := item.(type) {
		case string:
			g.Description = v
		case map[string]any:
			if id, ok := v["id"].(string); ok && id != "" {
				g.ID = id
			}
			for _, key := range []string{"description", "text", "goal"} {
				if desc, ok := v[key].(string); ok && desc != "" {
					g.Description = desc
					break
				}
			}
			if status, ok := v["status"].(string); ok && status != "" {
				g.Status = status
			}
		default:
			g.Description = fmt.Sprintf("%v", v)
		}
		if g.Description != "" {
			goals = append(goals, g)
		}
	}
	return goals
}
