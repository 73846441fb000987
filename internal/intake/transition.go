package intake

// NextPhase computes the phase that follows the current one, given slot
// completion and selection progress. It never mutates state.
func NextPhase(s *State) Phase {
	switch s.Phase {
	case PhaseGreet:
		return PhaseCheckIdentity

	case PhaseCheckIdentity:
		if s.IsReturning {
			return PhaseConfirmReturning
		}
		return PhaseCollectPatient

	case PhaseConfirmReturning:
		return PhaseCollectMedical

	case PhaseCollectPatient:
		if s.PhaseComplete(PhaseCollectPatient) {
			return PhaseConfirmPatient
		}
		return PhaseCollectPatient

	case PhaseConfirmPatient:
		return PhaseCollectInsurance

	case PhaseCollectInsurance:
		if s.PhaseComplete(PhaseCollectInsurance) {
			return PhaseConfirmInsurance
		}
		return PhaseCollectInsurance

	case PhaseConfirmInsurance:
		return PhaseCollectAddress

	case PhaseCollectAddress:
		if s.PhaseComplete(PhaseCollectAddress) {
			return PhaseValidateAddress
		}
		return PhaseCollectAddress

	case PhaseValidateAddress:
		if s.AddressValidated != nil {
			return PhaseConfirmAddress
		}
		return PhaseCollectAddress

	case PhaseConfirmAddress:
		return PhaseCollectMedical

	case PhaseCollectMedical:
		if s.PhaseComplete(PhaseCollectMedical) {
			return PhaseQueryProviders
		}
		return PhaseCollectMedical

	case PhaseQueryProviders:
		if len(s.MatchedProviders) > 0 {
			return PhaseSelectProvider
		}
		return PhaseQueryProviders

	case PhaseSelectProvider:
		if s.SelectedProviderID != "" {
			return PhaseSelectTime
		}
		return PhaseSelectProvider

	case PhaseSelectTime:
		if s.SelectedAppointmentID != "" {
			return PhaseConfirm
		}
		return PhaseSelectTime

	case PhaseConfirm:
		return PhaseEnd
	}

	return PhaseEnd
}
