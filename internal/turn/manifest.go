package turn

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Status is the lifecycle state of a turn.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Manifest records turn identity, every document the turn produced or
// referenced, per-phase token usage, and lifecycle timestamps.
type Manifest struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	TraceID   string `json:"trace_id"`
	Mode      string `json:"mode"`

	DocsCreated    []string `json:"docs_created"`
	DocsReferenced []string `json:"docs_referenced"`

	TokensByPhase map[string]int `json:"tokens_by_phase"`
	CacheHits     int            `json:"cache_hits"`

	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ArchivedAt time.Time `json:"archived_at,omitempty"`
}

func newManifest(turnID, sessionID, traceID, mode string) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		TurnID:        turnID,
		SessionID:     sessionID,
		TraceID:       traceID,
		Mode:          mode,
		TokensByPhase: make(map[string]int),
		Status:        StatusInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) addCreated(name string) {
	for _, existing := range m.DocsCreated {
		if existing == name {
			m.UpdatedAt = time.Now().UTC()
			return
		}
	}
	m.DocsCreated = append(m.DocsCreated, name)
	m.UpdatedAt = time.Now().UTC()
}

func (m *Manifest) addReferenced(name string) {
	for _, existing := range m.DocsReferenced {
		if existing == name {
			return
		}
	}
	m.DocsReferenced = append(m.DocsReferenced, name)
	m.UpdatedAt = time.Now().UTC()
}

func (m *Manifest) finalize(status Status) {
	m.Status = status
	now := time.Now().UTC()
	m.UpdatedAt = now
	m.ArchivedAt = now
}

func (m *Manifest) marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func (m *Manifest) clone() Manifest {
	c := *m
	c.DocsCreated = append([]string(nil), m.DocsCreated...)
	c.DocsReferenced = append([]string(nil), m.DocsReferenced...)
	c.TokensByPhase = make(map[string]int, len(m.TokensByPhase))
	for k, v := range m.TokensByPhase {
		c.TokensByPhase[k] = v
	}
	return c
}
