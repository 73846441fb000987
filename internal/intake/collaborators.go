package intake

import (
	"context"

	"github.com/assort-health/intake-agent/internal/address"
	"github.com/assort-health/intake-agent/internal/patients"
	"github.com/assort-health/intake-agent/internal/scheduling"
)

// Intent is the classified meaning of a patient message.
type Intent struct {
	Affirmative   bool   `json:"is_affirmative"`
	Negative      bool   `json:"is_negative"`
	WantsUpdate   bool   `json:"wants_to_update"`
	FieldToUpdate string `json:"field_to_update"`
	Greeting      bool   `json:"is_greeting"`
}

// ProviderOption is a provider as presented to the patient.
type ProviderOption struct {
	Name      string  `json:"name"`
	Specialty string  `json:"specialty,omitempty"`
	Rating    float64 `json:"rating,omitempty"`
}

// TimeOption is a numbered appointment time as presented to the patient.
type TimeOption struct {
	Option int    `json:"option"`
	Date   string `json:"date"`
	Time   string `json:"time"`
}

// AppointmentSummary is the final booking recap shown before confirmation.
type AppointmentSummary struct {
	Provider       string `json:"provider"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	Reason         string `json:"reason"`
	PatientName    string `json:"patient_name"`
	DateOfBirth    string `json:"date_of_birth"`
	Phone          string `json:"phone"`
	InsurancePayer string `json:"insurance_payer"`
	MemberID       string `json:"member_id"`
}

// ReplyData carries the structured data a reply must present. At most one of
// the list/summary fields is set per request.
type ReplyData struct {
	Providers   []ProviderOption    `json:"available_providers,omitempty"`
	Times       []TimeOption        `json:"available_times,omitempty"`
	Appointment *AppointmentSummary `json:"appointment,omitempty"`
	Details     map[string]string   `json:"details,omitempty"`
}

// Empty reports whether there is no data to present.
func (d ReplyData) Empty() bool {
	return len(d.Providers) == 0 && len(d.Times) == 0 && d.Appointment == nil && len(d.Details) == 0
}

// ReplyRequest asks the responder for one assistant message.
type ReplyRequest struct {
	UserInput   string
	Task        string
	Data        ReplyData
	Collected   map[string]string
	PatientName string
	History     []Message
}

// Extractor pulls structured slots out of a patient message.
type Extractor interface {
	ExtractSlots(ctx context.Context, userInput string) (SlotRecord, error)
}

// IntentClassifier determines whether the patient is affirming, denying, or
// asking to change something.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, userInput string) (Intent, error)
}

// Responder generates the assistant's next message.
type Responder interface {
	GenerateReply(ctx context.Context, req ReplyRequest) (string, error)
}

// SelectionInterpreter resolves which numbered option the patient picked.
// Returns the 0-based index, or -1 when the choice cannot be determined.
type SelectionInterpreter interface {
	InterpretSelection(ctx context.Context, userInput string, options []string) (int, error)
}

// AddressValidator checks a postal address with an external service.
type AddressValidator interface {
	Validate(ctx context.Context, in address.Input) (*address.Result, error)
}

// PatientDirectory is the subset of patient persistence the dispatcher needs.
type PatientDirectory interface {
	FindExisting(ctx context.Context, phone, email, firstName, lastName, dateOfBirth string) (*patients.Patient, error)
	FindByName(ctx context.Context, firstName, lastName string) ([]patients.Patient, error)
	Create(ctx context.Context, p *patients.Patient, changedBy string) error
	ApplyUpdate(ctx context.Context, id string, upd patients.Update, changedBy string) ([]string, error)
	CreateVisit(ctx context.Context, v *patients.Visit) error
	GetSummary(ctx context.Context, patientID string) (*patients.Summary, error)
}

// Scheduler is the subset of scheduling persistence the dispatcher needs.
type Scheduler interface {
	FindProviders(ctx context.Context, q scheduling.ProviderQuery) ([]scheduling.Provider, error)
	AvailableSlots(ctx context.Context, providerID string, limit int) ([]scheduling.Appointment, error)
	Book(ctx context.Context, appointmentID, patientID, visitID, reason string) (*scheduling.Appointment, error)
}
