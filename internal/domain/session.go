package domain

import (
	"encoding/json"
	"time"
)

// Session is a durably stored conversation with the agent.
type Session struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	WorkingDirectory string        `json:"workingDirectory"`
	Status           SessionStatus `json:"status"`
	RemoteSessionID  string        `json:"claudeSessionId,omitempty"`
	Model            ModelType     `json:"model,omitempty"`
	OwnerEmail       string        `json:"ownerEmail"`
	CreatedAt        time.Time     `json:"createdAt"`
	LastMessageAt    *time.Time    `json:"lastMessageAt,omitempty"`
}

// Draft is a session accepted by the coordinator but not yet persisted.
// It has no name until its first turn promotes it.
type Draft struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"workingDirectory"`
	OwnerEmail       string    `json:"ownerEmail"`
	Model            ModelType `json:"model,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Promote converts the draft into a persisted session under the same id.
func (d *Draft) Promote(name string, model ModelType, now time.Time) *Session {
	if d.Model != "" {
		model = d.Model
	}
	return &Session{
		ID:               d.ID,
		Name:             name,
		WorkingDirectory: d.WorkingDirectory,
		Status:           SessionStatusActive,
		Model:            model,
		OwnerEmail:       d.OwnerEmail,
		CreatedAt:        d.CreatedAt,
		LastMessageAt:    &now,
	}
}

// SessionRecord is either a Draft or a persisted Session. Exactly one of the
// two fields is set.
type SessionRecord struct {
	Session *Session
	Draft   *Draft
}

// PersistedRecord wraps a stored session.
func PersistedRecord(s *Session) SessionRecord { return SessionRecord{Session: s} }

// DraftRecord wraps a draft.
func DraftRecord(d *Draft) SessionRecord { return SessionRecord{Draft: d} }

func (r SessionRecord) IsDraft() bool { return r.Draft != nil }

func (r SessionRecord) ID() string {
	if r.Draft != nil {
		return r.Draft.ID
	}
	return r.Session.ID
}

func (r SessionRecord) WorkingDirectory() string {
	if r.Draft != nil {
		return r.Draft.WorkingDirectory
	}
	return r.Session.WorkingDirectory
}

func (r SessionRecord) OwnerEmail() string {
	if r.Draft != nil {
		return r.Draft.OwnerEmail
	}
	return r.Session.OwnerEmail
}

// Status of a draft is always active.
func (r SessionRecord) Status() SessionStatus {
	if r.Draft != nil {
		return SessionStatusActive
	}
	return r.Session.Status
}

func (r SessionRecord) Model() ModelType {
	if r.Draft != nil {
		return r.Draft.Model
	}
	return r.Session.Model
}

func (r SessionRecord) CreatedAt() time.Time {
	if r.Draft != nil {
		return r.Draft.CreatedAt
	}
	return r.Session.CreatedAt
}

// MarshalJSON flattens the record and adds the isDraft flag clients rely on.
func (r SessionRecord) MarshalJSON() ([]byte, error) {
	if r.Draft != nil {
		return json.Marshal(struct {
			*Draft
			Status  SessionStatus `json:"status"`
			IsDraft bool          `json:"isDraft"`
		}{r.Draft, SessionStatusActive, true})
	}
	return json.Marshal(struct {
		*Session
		IsDraft bool `json:"isDraft"`
	}{r.Session, false})
}

// SessionUpdate is a partial update applied to a stored session. Nil fields
// are left unchanged.
type SessionUpdate struct {
	Name            *string
	Status          *SessionStatus
	RemoteSessionID *string
	LastMessageAt   *time.Time
	Model           *ModelType
}

// Empty reports whether the update changes nothing.
func (u SessionUpdate) Empty() bool {
	return u.Name == nil && u.Status == nil && u.RemoteSessionID == nil && u.LastMessageAt == nil && u.Model == nil
}

// Helpers for building SessionUpdate values inline.

func StringPtr(s string) *string { return &s }

func StatusPtr(s SessionStatus) *SessionStatus { return &s }

func ModelPtr(m ModelType) *ModelType { return &m }

func TimePtr(t time.Time) *time.Time { return &t }
