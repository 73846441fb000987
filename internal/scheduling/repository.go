package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrSlotUnavailable is returned when a booking races another patient.
	ErrSlotUnavailable = errors.New("scheduling: slot no longer available")
	// ErrAppointmentNotFound is returned when an appointment ID does not exist.
	ErrAppointmentNotFound = errors.New("scheduling: appointment not found")
)

// Provider is a bookable healthcare provider.
type Provider struct {
	ID                   string
	Name                 string
	Specialty            string
	Address              string
	Phone                string
	Email                string
	InsuranceAccepted    []string
	ConditionsTreated    []string
	Rating               float64
	AvailableDays        []string
	HoursStart           string
	HoursEnd             string
	AcceptingNewPatients bool
}

// Appointment is a slot on a provider's calendar. A nil PatientID means the
// slot is open.
type Appointment struct {
	ID         string
	ProviderID string
	PatientID  string
	VisitID    string
	Date       string // YYYY-MM-DD
	Time       string // HH:MM
	Status     string
	Reason     string
	Notes      string
	BookedAt   *time.Time
}

// ProviderQuery filters the provider search. Empty fields are not applied.
type ProviderQuery struct {
	Insurance string
	Condition string
	Specialty string
	Limit     int
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores providers and appointment slots.
type Repository struct {
	db db
}

// NewRepository initializes a repo backed by a pgx pool (or compatible).
func NewRepository(pool db) *Repository {
	if pool == nil {
		panic("scheduling: pgx pool required")
	}
	return &Repository{db: pool}
}

const providerColumns = `id, name, specialty, address, phone, email,
	insurance_accepted, conditions_treated, rating,
	available_days, hours_start, hours_end, accepting_new_patients`

// FindProviders returns providers accepting new patients that match the
// query, best rated first.
func (r *Repository) FindProviders(ctx context.Context, q ProviderQuery) ([]Provider, error) {
	if q.Limit <= 0 {
		q.Limit = 5
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM providers WHERE accepting_new_patients", providerColumns)
	args := []any{}

	addFilter := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, "%"+value+"%")
		fmt.Fprintf(&sb, " AND %s ILIKE $%d", column, len(args))
	}
	addFilter("insurance_accepted::text", q.Insurance)
	addFilter("conditions_treated::text", q.Condition)
	addFilter("specialty", q.Specialty)

	args = append(args, q.Limit)
	fmt.Fprintf(&sb, " ORDER BY rating DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("scheduling: provider query failed: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduling: scan provider failed: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetProvider fetches a provider by ID.
func (r *Repository) GetProvider(ctx context.Context, id string) (*Provider, error) {
	query := fmt.Sprintf("SELECT %s FROM providers WHERE id = $1", providerColumns)
	p, err := scanProvider(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scheduling: provider select failed: %w", err)
	}
	return p, nil
}

// AvailableSlots returns open future-dated slots for a provider, earliest
// first.
func (r *Repository) AvailableSlots(ctx context.Context, providerID string, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 10
	}
	fromDate := time.Now().Format("2006-01-02")

	query := `
		SELECT id, provider_id, patient_id, visit_id, date, time, status, reason, notes, booked_at
		FROM appointments
		WHERE provider_id = $1
		  AND patient_id IS NULL
		  AND status = 'available'
		  AND date >= $2
		ORDER BY date, time
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, providerID, fromDate, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduling: slot query failed: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduling: scan slot failed: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetAppointment fetches an appointment by ID.
func (r *Repository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	query := `
		SELECT id, provider_id, patient_id, visit_id, date, time, status, reason, notes, booked_at
		FROM appointments
		WHERE id = $1
	`
	a, err := scanAppointment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("scheduling: appointment select failed: %w", err)
	}
	return a, nil
}

// Book claims an open slot for a patient. The conditional update keeps the
// claim atomic under concurrent bookings: zero rows affected on an existing
// slot means another patient got there first.
func (r *Repository) Book(ctx context.Context, appointmentID, patientID, visitID, reason string) (*Appointment, error) {
	var visit *string
	if visitID != "" {
		visit = &visitID
	}

	query := `
		UPDATE appointments
		SET patient_id = $1, visit_id = $2, status = 'booked', reason = $3, booked_at = now()
		WHERE id = $4 AND patient_id IS NULL AND status = 'available'
	`
	tag, err := r.db.Exec(ctx, query, patientID, visit, reason, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("scheduling: booking update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetAppointment(ctx, appointmentID); err != nil {
			return nil, err
		}
		return nil, ErrSlotUnavailable
	}

	return r.GetAppointment(ctx, appointmentID)
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var specialty, address, phone, email, hoursStart, hoursEnd *string
	if err := row.Scan(
		&p.ID, &p.Name, &specialty, &address, &phone, &email,
		&p.InsuranceAccepted, &p.ConditionsTreated, &p.Rating,
		&p.AvailableDays, &hoursStart, &hoursEnd, &p.AcceptingNewPatients,
	); err != nil {
		return nil, err
	}
	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&p.Specialty, specialty)
	assign(&p.Address, address)
	assign(&p.Phone, phone)
	assign(&p.Email, email)
	assign(&p.HoursStart, hoursStart)
	assign(&p.HoursEnd, hoursEnd)
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var patientID, visitID, reason, notes *string
	if err := row.Scan(
		&a.ID, &a.ProviderID, &patientID, &visitID, &a.Date, &a.Time,
		&a.Status, &reason, &notes, &a.BookedAt,
	); err != nil {
		return nil, err
	}
	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&a.PatientID, patientID)
	assign(&a.VisitID, visitID)
	assign(&a.Reason, reason)
	assign(&a.Notes, notes)
	return &a, nil
}
