package intake

import (
	"regexp"
	"strconv"
	"strings"
)

// Slot field names as used across extraction, merging, and persistence.
const (
	FieldFirstName         = "first_name"
	FieldLastName          = "last_name"
	FieldDateOfBirth       = "date_of_birth"
	FieldPhone             = "phone"
	FieldEmail             = "email"
	FieldAddressLine1      = "address_line1"
	FieldAddressLine2      = "address_line2"
	FieldCity              = "city"
	FieldState             = "state"
	FieldZipCode           = "zip_code"
	FieldInsurancePayer    = "insurance_payer"
	FieldInsurancePlan     = "insurance_plan"
	FieldInsuranceMemberID = "insurance_member_id"
	FieldInsuranceGroupID  = "insurance_group_id"
	FieldChiefComplaint    = "chief_complaint"
	FieldSymptoms          = "symptoms"
	FieldSymptomDuration   = "symptom_duration"
	FieldSeverity          = "severity"
)

// SlotRecord holds everything collected about the patient during intake.
// Nil means the slot has not been provided yet.
type SlotRecord struct {
	FirstName         *string `json:"first_name"`
	LastName          *string `json:"last_name"`
	DateOfBirth       *string `json:"date_of_birth"`
	Phone             *string `json:"phone"`
	Email             *string `json:"email"`
	AddressLine1      *string `json:"address_line1"`
	AddressLine2      *string `json:"address_line2"`
	City              *string `json:"city"`
	State             *string `json:"state"`
	ZipCode           *string `json:"zip_code"`
	InsurancePayer    *string `json:"insurance_payer"`
	InsurancePlan     *string `json:"insurance_plan"`
	InsuranceMemberID *string `json:"insurance_member_id"`
	InsuranceGroupID  *string `json:"insurance_group_id"`
	ChiefComplaint    *string `json:"chief_complaint"`
	Symptoms          *string `json:"symptoms"`
	SymptomDuration   *string `json:"symptom_duration"`
	Severity          *int    `json:"severity"`
}

// fieldOrder is the canonical ordering used when reporting changed slots.
var fieldOrder = []string{
	FieldFirstName, FieldLastName, FieldDateOfBirth, FieldPhone, FieldEmail,
	FieldAddressLine1, FieldAddressLine2, FieldCity, FieldState, FieldZipCode,
	FieldInsurancePayer, FieldInsurancePlan, FieldInsuranceMemberID, FieldInsuranceGroupID,
	FieldChiefComplaint, FieldSymptoms, FieldSymptomDuration, FieldSeverity,
}

// FieldDisplayNames maps slot fields to patient-friendly labels.
var FieldDisplayNames = map[string]string{
	FieldFirstName:         "first name",
	FieldLastName:          "last name",
	FieldDateOfBirth:       "date of birth",
	FieldPhone:             "phone number",
	FieldEmail:             "email address",
	FieldAddressLine1:      "street address",
	FieldAddressLine2:      "apartment/suite",
	FieldCity:              "city",
	FieldState:             "state",
	FieldZipCode:           "ZIP code",
	FieldInsurancePayer:    "insurance provider",
	FieldInsurancePlan:     "insurance plan type",
	FieldInsuranceMemberID: "member ID",
	FieldInsuranceGroupID:  "group ID",
	FieldChiefComplaint:    "reason for visit",
	FieldSymptoms:          "symptoms",
	FieldSymptomDuration:   "symptom duration",
	FieldSeverity:          "severity (1-10)",
}

// DisplayName returns the patient-friendly label for a slot field.
func DisplayName(field string) string {
	if name, ok := FieldDisplayNames[field]; ok {
		return name
	}
	return field
}

var (
	isoDateRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	slashDateRe = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
	dashDateRe  = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})-(\d{4})$`)
	nonDigitRe  = regexp.MustCompile(`\D`)
)

// NormalizeDate converts common US date formats to YYYY-MM-DD.
// Unrecognized inputs pass through unchanged.
func NormalizeDate(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if isoDateRe.MatchString(v) {
		return v
	}
	for _, re := range []*regexp.Regexp{slashDateRe, dashDateRe} {
		if m := re.FindStringSubmatch(v); m != nil {
			return m[3] + "-" + pad2(m[1]) + "-" + pad2(m[2])
		}
	}
	return v
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// NormalizePhone strips everything but digits. An 11-digit number with a
// leading 1 is reduced to 10 digits. Returns "" when no digits remain.
func NormalizePhone(v string) string {
	digits := nonDigitRe.ReplaceAllString(v, "")
	if digits == "" {
		return ""
	}
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return digits[1:]
	}
	return digits
}

// stateAbbreviations maps full US state names (uppercased) to postal codes.
var stateAbbreviations = map[string]string{
	"ALABAMA": "AL", "ALASKA": "AK", "ARIZONA": "AZ", "ARKANSAS": "AR",
	"CALIFORNIA": "CA", "COLORADO": "CO", "CONNECTICUT": "CT", "DELAWARE": "DE",
	"FLORIDA": "FL", "GEORGIA": "GA", "HAWAII": "HI", "IDAHO": "ID",
	"ILLINOIS": "IL", "INDIANA": "IN", "IOWA": "IA", "KANSAS": "KS",
	"KENTUCKY": "KY", "LOUISIANA": "LA", "MAINE": "ME", "MARYLAND": "MD",
	"MASSACHUSETTS": "MA", "MICHIGAN": "MI", "MINNESOTA": "MN", "MISSISSIPPI": "MS",
	"MISSOURI": "MO", "MONTANA": "MT", "NEBRASKA": "NE", "NEVADA": "NV",
	"NEW HAMPSHIRE": "NH", "NEW JERSEY": "NJ", "NEW MEXICO": "NM", "NEW YORK": "NY",
	"NORTH CAROLINA": "NC", "NORTH DAKOTA": "ND", "OHIO": "OH", "OKLAHOMA": "OK",
	"OREGON": "OR", "PENNSYLVANIA": "PA", "RHODE ISLAND": "RI", "SOUTH CAROLINA": "SC",
	"SOUTH DAKOTA": "SD", "TENNESSEE": "TN", "TEXAS": "TX", "UTAH": "UT",
	"VERMONT": "VT", "VIRGINIA": "VA", "WASHINGTON": "WA", "WEST VIRGINIA": "WV",
	"WISCONSIN": "WI", "WYOMING": "WY",
}

// NormalizeState uppercases and abbreviates a US state. Two-letter inputs and
// unknown names pass through uppercased.
func NormalizeState(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if len(v) == 2 {
		return v
	}
	if abbrev, ok := stateAbbreviations[v]; ok {
		return abbrev
	}
	return v
}

// normalizeField applies the per-field normalizer. Fields without one are
// returned trimmed.
func normalizeField(field, value string) string {
	switch field {
	case FieldDateOfBirth:
		return NormalizeDate(value)
	case FieldPhone:
		return NormalizePhone(value)
	case FieldState:
		return NormalizeState(value)
	default:
		return strings.TrimSpace(value)
	}
}

// slotValid reports whether a filled slot value satisfies its shape rule.
// Most fields only require presence.
func slotValid(field, value string) bool {
	if value == "" {
		return false
	}
	switch field {
	case FieldPhone:
		stripped := strings.ReplaceAll(strings.ReplaceAll(value, "-", ""), " ", "")
		if stripped == "" {
			return false
		}
		for _, r := range stripped {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	case FieldDateOfBirth:
		return isoDateRe.MatchString(value)
	case FieldZipCode:
		for _, r := range value {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Value returns the string form of a slot, and whether it is set.
func (r *SlotRecord) Value(field string) (string, bool) {
	if p := r.stringField(field); p != nil {
		if *p == nil {
			return "", false
		}
		return **p, true
	}
	if field == FieldSeverity {
		if r.Severity == nil {
			return "", false
		}
		return strconv.Itoa(*r.Severity), true
	}
	return "", false
}

// ValueOr returns the slot value or a fallback when unset.
func (r *SlotRecord) ValueOr(field, fallback string) string {
	if v, ok := r.Value(field); ok {
		return v
	}
	return fallback
}

// set overwrites a slot by field name. Used by the merge path only.
func (r *SlotRecord) set(field, value string) {
	if p := r.stringField(field); p != nil {
		v := value
		*p = &v
		return
	}
	if field == FieldSeverity {
		if n, err := strconv.Atoi(value); err == nil {
			r.Severity = &n
		}
	}
}

func (r *SlotRecord) stringField(field string) **string {
	switch field {
	case FieldFirstName:
		return &r.FirstName
	case FieldLastName:
		return &r.LastName
	case FieldDateOfBirth:
		return &r.DateOfBirth
	case FieldPhone:
		return &r.Phone
	case FieldEmail:
		return &r.Email
	case FieldAddressLine1:
		return &r.AddressLine1
	case FieldAddressLine2:
		return &r.AddressLine2
	case FieldCity:
		return &r.City
	case FieldState:
		return &r.State
	case FieldZipCode:
		return &r.ZipCode
	case FieldInsurancePayer:
		return &r.InsurancePayer
	case FieldInsurancePlan:
		return &r.InsurancePlan
	case FieldInsuranceMemberID:
		return &r.InsuranceMemberID
	case FieldInsuranceGroupID:
		return &r.InsuranceGroupID
	case FieldChiefComplaint:
		return &r.ChiefComplaint
	case FieldSymptoms:
		return &r.Symptoms
	case FieldSymptomDuration:
		return &r.SymptomDuration
	}
	return nil
}

// Merge folds the filled slots of update into r, normalizing as it goes.
// Empty and nil update values are ignored, so merging is idempotent. The
// returned field names follow canonical slot order.
func (r *SlotRecord) Merge(update SlotRecord) []string {
	var changed []string
	for _, field := range fieldOrder {
		if field == FieldSeverity {
			if update.Severity == nil {
				continue
			}
			if r.Severity == nil || *r.Severity != *update.Severity {
				v := *update.Severity
				r.Severity = &v
				changed = append(changed, field)
			}
			continue
		}

		src := update.stringField(field)
		if src == nil || *src == nil {
			continue
		}
		value := normalizeField(field, **src)
		if value == "" {
			continue
		}
		if current, ok := r.Value(field); !ok || current != value {
			r.set(field, value)
			changed = append(changed, field)
		}
	}
	return changed
}

// Filled returns the set slots as a map, for prompt context and logging.
func (r *SlotRecord) Filled() map[string]string {
	out := make(map[string]string)
	for _, field := range fieldOrder {
		if v, ok := r.Value(field); ok && v != "" {
			out[field] = v
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
