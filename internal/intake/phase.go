package intake

// Phase identifies a step in the intake workflow.
type Phase string

const (
	PhaseGreet            Phase = "greet"
	PhaseCheckIdentity    Phase = "check_identity"
	PhaseVerifyDOB        Phase = "verify_dob"
	PhaseConfirmReturning Phase = "confirm_returning"
	PhaseCollectPatient   Phase = "collect_patient"
	PhaseConfirmPatient   Phase = "confirm_patient"
	PhaseCollectInsurance Phase = "collect_insurance"
	PhaseConfirmInsurance Phase = "confirm_insurance"
	PhaseCollectAddress   Phase = "collect_address"
	PhaseValidateAddress  Phase = "validate_address"
	PhaseConfirmAddress   Phase = "confirm_address"
	PhaseCollectMedical   Phase = "collect_medical"
	PhaseQueryProviders   Phase = "query_providers"
	PhaseSelectProvider   Phase = "select_provider"
	PhaseSelectTime       Phase = "select_time"
	PhaseConfirm          Phase = "confirm"
	PhaseEnd              Phase = "end"
)

// AllPhases lists every phase in workflow order.
func AllPhases() []Phase {
	return []Phase{
		PhaseGreet, PhaseCheckIdentity, PhaseVerifyDOB, PhaseConfirmReturning,
		PhaseCollectPatient, PhaseConfirmPatient,
		PhaseCollectInsurance, PhaseConfirmInsurance,
		PhaseCollectAddress, PhaseValidateAddress, PhaseConfirmAddress,
		PhaseCollectMedical, PhaseQueryProviders,
		PhaseSelectProvider, PhaseSelectTime,
		PhaseConfirm, PhaseEnd,
	}
}

// phaseRequirements lists the slots each collection phase must fill, in the
// order they are reported back to the patient.
var phaseRequirements = map[Phase][]string{
	PhaseCollectPatient:   {FieldFirstName, FieldLastName, FieldDateOfBirth, FieldPhone},
	PhaseCollectInsurance: {FieldInsurancePayer, FieldInsuranceMemberID},
	PhaseCollectAddress:   {FieldAddressLine1, FieldCity, FieldState, FieldZipCode},
	PhaseCollectMedical:   {FieldChiefComplaint},
}

// RequiredSlots returns the required slot fields for a collection phase.
// Phases without requirements return nil.
func RequiredSlots(phase Phase) []string {
	return phaseRequirements[phase]
}

// MissingSlots returns required slots that are unset or fail their shape rule.
func (s *State) MissingSlots(phase Phase) []string {
	required, ok := phaseRequirements[phase]
	if !ok {
		return nil
	}
	var missing []string
	for _, field := range required {
		value, set := s.Slots.Value(field)
		if !set || !slotValid(field, value) {
			missing = append(missing, field)
		}
	}
	return missing
}

// PhaseComplete reports whether every required slot for the phase is valid.
func (s *State) PhaseComplete(phase Phase) bool {
	return len(s.MissingSlots(phase)) == 0
}
