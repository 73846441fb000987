package patients

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPatientNotFound is returned when a patient lookup by ID finds no row.
var ErrPatientNotFound = errors.New("patients: patient not found")

type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores patients, visits, and the field-level audit trail.
type Repository struct {
	db db
}

// NewRepository initializes a repo backed by a pgx pool (or compatible).
func NewRepository(pool db) *Repository {
	if pool == nil {
		panic("patients: pgx pool required")
	}
	return &Repository{db: pool}
}

const patientColumns = `id, first_name, last_name, date_of_birth, phone, email,
	address_line1, address_line2, city, state, zip_code, address_validated,
	insurance_payer, insurance_plan, insurance_member_id, insurance_group_id,
	created_at, updated_at`

// FindExisting looks up a patient by the strongest identifier available:
// phone first, then email, then exact name plus date of birth. Returns
// (nil, nil) when nothing matches.
func (r *Repository) FindExisting(ctx context.Context, phone, email, firstName, lastName, dateOfBirth string) (*Patient, error) {
	if phone != "" {
		p, err := r.findOne(ctx, "phone = $1", phone)
		if err != nil || p != nil {
			return p, err
		}
	}
	if email != "" {
		p, err := r.findOne(ctx, "email = $1", email)
		if err != nil || p != nil {
			return p, err
		}
	}
	if firstName != "" && lastName != "" && dateOfBirth != "" {
		return r.findOne(ctx, "first_name = $1 AND last_name = $2 AND date_of_birth = $3",
			firstName, lastName, dateOfBirth)
	}
	return nil, nil
}

func (r *Repository) findOne(ctx context.Context, where string, args ...any) (*Patient, error) {
	query := fmt.Sprintf("SELECT %s FROM patients WHERE %s", patientColumns, where)
	p, err := scanPatient(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("patients: select failed: %w", err)
	}
	return p, nil
}

// FindByName returns patients matching first and last name case-insensitively.
// Used for DOB verification when the caller has a name but no unique match.
func (r *Repository) FindByName(ctx context.Context, firstName, lastName string) ([]Patient, error) {
	query := fmt.Sprintf(`SELECT %s FROM patients
		WHERE LOWER(first_name) = LOWER($1) AND LOWER(last_name) = LOWER($2)`, patientColumns)
	rows, err := r.db.Query(ctx, query, firstName, lastName)
	if err != nil {
		return nil, fmt.Errorf("patients: name lookup failed: %w", err)
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("patients: scan failed: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetByID fetches a patient by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*Patient, error) {
	query := fmt.Sprintf("SELECT %s FROM patients WHERE id = $1", patientColumns)
	p, err := scanPatient(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("patients: select failed: %w", err)
	}
	return p, nil
}

// Create inserts a new patient and writes a CREATE audit row for every
// populated field.
func (r *Repository) Create(ctx context.Context, p *Patient, changedBy string) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("patients: begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO patients (
			id, first_name, last_name, date_of_birth, phone, email,
			address_line1, address_line2, city, state, zip_code, address_validated,
			insurance_payer, insurance_plan, insurance_member_id, insurance_group_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`
	if err := tx.QueryRow(ctx, query,
		p.ID, p.FirstName, p.LastName, p.DateOfBirth, p.Phone, p.Email,
		p.AddressLine1, p.AddressLine2, p.City, p.State, p.ZipCode, p.AddressValidated,
		p.InsurancePayer, p.InsurancePlan, p.InsuranceMemberID, p.InsuranceGroupID,
	).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("patients: insert failed: %w", err)
	}

	for _, c := range createEntries(p) {
		if err := logChange(ctx, tx, p.ID, c.field, nil, c.value, "CREATE", changedBy); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("patients: commit failed: %w", err)
	}
	return nil
}

// ApplyUpdate updates the changed fields of an existing patient, writing one
// UPDATE audit row per field that actually differs. Returns the column names
// that changed.
func (r *Repository) ApplyUpdate(ctx context.Context, id string, upd Update, changedBy string) ([]string, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changes := diffUpdate(current, upd)
	if len(changes) == 0 {
		return nil, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("patients: begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	setParts := make([]string, 0, len(changes)+1)
	args := make([]any, 0, len(changes)+1)
	changedCols := make([]string, 0, len(changes))
	for i, c := range changes {
		setParts = append(setParts, fmt.Sprintf("%s = $%d", c.field, i+1))
		args = append(args, c.newRaw)
		changedCols = append(changedCols, c.field)
	}
	setParts = append(setParts, "updated_at = now()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE patients SET %s WHERE id = $%d",
		strings.Join(setParts, ", "), len(args))
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("patients: update failed: %w", err)
	}

	for _, c := range changes {
		old := c.oldValue
		if err := logChange(ctx, tx, id, c.field, &old, c.newValue, "UPDATE", changedBy); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("patients: commit failed: %w", err)
	}
	return changedCols, nil
}

// CreateVisit records a new pending visit and returns its ID.
func (r *Repository) CreateVisit(ctx context.Context, v *Visit) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = "pending"
	}
	query := `
		INSERT INTO visits (id, patient_id, chief_complaint, symptoms, symptom_duration, severity, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	if err := r.db.QueryRow(ctx, query,
		v.ID, v.PatientID, v.ChiefComplaint, v.Symptoms, v.SymptomDuration, v.Severity, v.Status,
	).Scan(&v.CreatedAt); err != nil {
		return fmt.Errorf("patients: insert visit failed: %w", err)
	}
	return nil
}

// VisitHistory returns the patient's visits, newest first. limit <= 0 returns all.
func (r *Repository) VisitHistory(ctx context.Context, patientID string, limit int) ([]Visit, error) {
	query := `
		SELECT id, patient_id, chief_complaint, symptoms, symptom_duration, severity, status, created_at, completed_at
		FROM visits
		WHERE patient_id = $1
		ORDER BY created_at DESC
	`
	args := []any{patientID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("patients: visit history failed: %w", err)
	}
	defer rows.Close()

	var out []Visit
	for rows.Next() {
		var v Visit
		if err := rows.Scan(&v.ID, &v.PatientID, &v.ChiefComplaint, &v.Symptoms,
			&v.SymptomDuration, &v.Severity, &v.Status, &v.CreatedAt, &v.CompletedAt); err != nil {
			return nil, fmt.Errorf("patients: scan visit failed: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateVisitStatus moves a visit to the given status, stamping completed_at
// when it completes.
func (r *Repository) UpdateVisitStatus(ctx context.Context, visitID, status string) error {
	query := `
		UPDATE visits
		SET status = $1,
		    completed_at = CASE WHEN $1 = 'completed' THEN now() ELSE NULL END
		WHERE id = $2
	`
	tag, err := r.db.Exec(ctx, query, status, visitID)
	if err != nil {
		return fmt.Errorf("patients: update visit status failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patients: visit %s not found", visitID)
	}
	return nil
}

// GetSummary builds the returning-patient greeting summary.
func (r *Repository) GetSummary(ctx context.Context, patientID string) (*Summary, error) {
	p, err := r.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}

	visits, err := r.VisitHistory(ctx, patientID, 0)
	if err != nil {
		return nil, err
	}

	recent := make([]string, 0, 3)
	for _, v := range visits {
		if len(recent) == 3 {
			break
		}
		recent = append(recent, v.ChiefComplaint)
	}

	return &Summary{
		ID:               p.ID,
		Name:             p.FirstName + " " + p.LastName,
		FirstName:        p.FirstName,
		Phone:            p.Phone,
		HasInsurance:     p.InsurancePayer != "",
		InsurancePayer:   p.InsurancePayer,
		RecentComplaints: recent,
		VisitCount:       len(visits),
	}, nil
}

// ChangeHistory returns the audit trail for a patient, newest first.
func (r *Repository) ChangeHistory(ctx context.Context, patientID string, limit int) ([]ChangeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, patient_id, field_name, old_value, new_value, change_type, changed_at, changed_by
		FROM patient_change_log
		WHERE patient_id = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("patients: change history failed: %w", err)
	}
	defer rows.Close()

	var out []ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		var oldValue, newValue *string
		if err := rows.Scan(&e.ID, &e.PatientID, &e.FieldName, &oldValue, &newValue,
			&e.ChangeType, &e.ChangedAt, &e.ChangedBy); err != nil {
			return nil, fmt.Errorf("patients: scan change failed: %w", err)
		}
		if oldValue != nil {
			e.OldValue = *oldValue
		}
		if newValue != nil {
			e.NewValue = *newValue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type fieldChange struct {
	field    string
	oldValue string
	newValue string
	newRaw   any
}

type createEntry struct {
	field string
	value string
}

func createEntries(p *Patient) []createEntry {
	pairs := []struct {
		field string
		value string
	}{
		{"first_name", p.FirstName},
		{"last_name", p.LastName},
		{"date_of_birth", p.DateOfBirth},
		{"phone", p.Phone},
		{"email", p.Email},
		{"address_line1", p.AddressLine1},
		{"address_line2", p.AddressLine2},
		{"city", p.City},
		{"state", p.State},
		{"zip_code", p.ZipCode},
		{"insurance_payer", p.InsurancePayer},
		{"insurance_plan", p.InsurancePlan},
		{"insurance_member_id", p.InsuranceMemberID},
		{"insurance_group_id", p.InsuranceGroupID},
	}
	out := make([]createEntry, 0, len(pairs)+1)
	for _, pair := range pairs {
		if pair.value != "" {
			out = append(out, createEntry{field: pair.field, value: pair.value})
		}
	}
	out = append(out, createEntry{field: "address_validated", value: strconv.FormatBool(p.AddressValidated)})
	return out
}

func diffUpdate(current *Patient, upd Update) []fieldChange {
	var out []fieldChange

	str := func(field, oldValue string, p *string) {
		if p != nil && *p != oldValue {
			out = append(out, fieldChange{field: field, oldValue: oldValue, newValue: *p, newRaw: *p})
		}
	}

	str("first_name", current.FirstName, upd.FirstName)
	str("last_name", current.LastName, upd.LastName)
	str("date_of_birth", current.DateOfBirth, upd.DateOfBirth)
	str("phone", current.Phone, upd.Phone)
	str("email", current.Email, upd.Email)
	str("address_line1", current.AddressLine1, upd.AddressLine1)
	str("address_line2", current.AddressLine2, upd.AddressLine2)
	str("city", current.City, upd.City)
	str("state", current.State, upd.State)
	str("zip_code", current.ZipCode, upd.ZipCode)
	if upd.AddressValidated != nil && *upd.AddressValidated != current.AddressValidated {
		out = append(out, fieldChange{
			field:    "address_validated",
			oldValue: strconv.FormatBool(current.AddressValidated),
			newValue: strconv.FormatBool(*upd.AddressValidated),
			newRaw:   *upd.AddressValidated,
		})
	}
	str("insurance_payer", current.InsurancePayer, upd.InsurancePayer)
	str("insurance_plan", current.InsurancePlan, upd.InsurancePlan)
	str("insurance_member_id", current.InsuranceMemberID, upd.InsuranceMemberID)
	str("insurance_group_id", current.InsuranceGroupID, upd.InsuranceGroupID)

	return out
}

func logChange(ctx context.Context, tx pgx.Tx, patientID, field string, oldValue *string, newValue, changeType, changedBy string) error {
	query := `
		INSERT INTO patient_change_log (id, patient_id, field_name, old_value, new_value, change_type, changed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.Exec(ctx, query,
		uuid.NewString(), patientID, field, oldValue, newValue, changeType, changedBy); err != nil {
		return fmt.Errorf("patients: audit insert failed: %w", err)
	}
	return nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var phone, email, line1, line2, city, state, zip *string
	var payer, plan, memberID, groupID *string
	if err := row.Scan(
		&p.ID, &p.FirstName, &p.LastName, &p.DateOfBirth, &phone, &email,
		&line1, &line2, &city, &state, &zip, &p.AddressValidated,
		&payer, &plan, &memberID, &groupID,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&p.Phone, phone)
	assign(&p.Email, email)
	assign(&p.AddressLine1, line1)
	assign(&p.AddressLine2, line2)
	assign(&p.City, city)
	assign(&p.State, state)
	assign(&p.ZipCode, zip)
	assign(&p.InsurancePayer, payer)
	assign(&p.InsurancePlan, plan)
	assign(&p.InsuranceMemberID, memberID)
	assign(&p.InsuranceGroupID, groupID)
	return &p, nil
}
