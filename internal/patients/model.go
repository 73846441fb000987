package patients

import "time"

// Patient is the persisted patient demographics record. Optional columns are
// empty strings when not on file.
type Patient struct {
	ID                string
	FirstName         string
	LastName          string
	DateOfBirth       string // YYYY-MM-DD
	Phone             string // digits only
	Email             string
	AddressLine1      string
	AddressLine2      string
	City              string
	State             string
	ZipCode           string
	AddressValidated  bool
	InsurancePayer    string
	InsurancePlan     string
	InsuranceMemberID string
	InsuranceGroupID  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Update carries field-level changes for an existing patient. Nil pointers
// leave the column untouched.
type Update struct {
	FirstName         *string
	LastName          *string
	DateOfBirth       *string
	Phone             *string
	Email             *string
	AddressLine1      *string
	AddressLine2      *string
	City              *string
	State             *string
	ZipCode           *string
	AddressValidated  *bool
	InsurancePayer    *string
	InsurancePlan     *string
	InsuranceMemberID *string
	InsuranceGroupID  *string
}

// Visit records one reason-for-visit entry in the patient's history.
type Visit struct {
	ID              string
	PatientID       string
	ChiefComplaint  string
	Symptoms        string
	SymptomDuration string
	Severity        *int
	Status          string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// ChangeEntry is one row of the patient audit trail.
type ChangeEntry struct {
	ID         string
	PatientID  string
	FieldName  string
	OldValue   string
	NewValue   string
	ChangeType string
	ChangedAt  time.Time
	ChangedBy  string
}

// Summary is the condensed view used to greet returning patients.
type Summary struct {
	ID               string
	Name             string
	FirstName        string
	Phone            string
	HasInsurance     bool
	InsurancePayer   string
	RecentComplaints []string
	VisitCount       int
}
