package intake

import (
	"github.com/assort-health/intake-agent/internal/patients"
	"github.com/assort-health/intake-agent/internal/scheduling"
)

// Message is one turn of the conversation, kept for LLM context.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// State tracks the full progress of one intake conversation. It lives in
// memory for the duration of the session; only the final patient, visit, and
// booking records are persisted.
type State struct {
	Phase Phase
	Slots SlotRecord

	// Patient identification. PatientID is also set after a successful save
	// for a new patient, so a retried confirmation updates instead of
	// creating a second record.
	PatientID   string
	IsReturning bool

	// VisitID is set once the visit row is created.
	VisitID string

	// Address validation. Nil means not yet attempted (or reset after an
	// address change); true/false records the outcome.
	AddressValidated *bool
	AddressAttempts  int

	// Formatted suggestion from the validator awaiting patient acceptance.
	PendingSuggestedAddress string

	// Name matches awaiting DOB verification.
	PendingNameMatches []patients.Patient

	// Provider selection
	MatchedProviders     []scheduling.Provider
	SelectedProviderID   string
	SelectedProviderName string

	// Appointment selection
	AvailableTimes        []scheduling.Appointment
	SelectedAppointmentID string
	SelectedDate          string
	SelectedTime          string

	// Conversation history for LLM context
	History []Message
}

// NewState returns a fresh conversation at the greeting phase.
func NewState() *State {
	return &State{Phase: PhaseGreet}
}

// AddressValidatedValue returns the validation outcome, defaulting to false
// when validation has not run.
func (s *State) AddressValidatedValue() bool {
	return s.AddressValidated != nil && *s.AddressValidated
}

func (s *State) setAddressValidated(v bool) {
	s.AddressValidated = &v
}

// resetAddressValidation marks the address as needing re-validation after an
// address slot changed.
func (s *State) resetAddressValidation() {
	s.AddressValidated = nil
	s.AddressAttempts = 0
}

// RecordUser appends a user turn to the history.
func (s *State) RecordUser(content string) {
	s.History = append(s.History, Message{Role: "user", Content: content})
}

// RecordAssistant appends an assistant turn to the history.
func (s *State) RecordAssistant(content string) {
	s.History = append(s.History, Message{Role: "assistant", Content: content})
}

// Done reports whether the conversation has reached its terminal phase.
func (s *State) Done() bool {
	return s.Phase == PhaseEnd
}
