package intake

import (
	"context"
	"fmt"
	"strings"

	"github.com/assort-health/intake-agent/internal/patients"
)

// phaseReply builds the task and data for the current phase and asks the
// responder for the next assistant message.
func (d *Dispatcher) phaseReply(ctx context.Context, s *State, userInput string, newlyFilled []string, summary *patients.Summary) string {
	req := ReplyRequest{UserInput: userInput}

	switch s.Phase {
	case PhaseGreet, PhaseCheckIdentity:
		req.Task = "Welcome them and ask if they've visited before. If they have, ask for their phone number or name and date of birth to look them up."

	case PhaseVerifyDOB:
		req.Task = "Ask for their date of birth to verify their identity."

	case PhaseConfirmReturning:
		req.Task = "Welcome them back by name. Show the information on file and ask if it's still correct or if anything needs updating."
		req.Data = ReplyData{Details: d.recordDetails(s, summary)}

	case PhaseCollectPatient:
		req.Task = d.collectionTask(s, newlyFilled, "Ask for their basic info: full name, date of birth, and phone number.")

	case PhaseConfirmPatient:
		req.Task = "Read back their personal details and ask them to confirm everything is correct."
		req.Data = ReplyData{Details: pickDetails(s,
			FieldFirstName, FieldLastName, FieldDateOfBirth, FieldPhone, FieldEmail)}

	case PhaseCollectInsurance:
		req.Task = d.collectionTask(s, newlyFilled, "Ask for their insurance provider and member ID.")

	case PhaseConfirmInsurance:
		req.Task = "Read back their insurance details and ask them to confirm everything is correct."
		req.Data = ReplyData{Details: pickDetails(s,
			FieldInsurancePayer, FieldInsurancePlan, FieldInsuranceMemberID, FieldInsuranceGroupID)}

	case PhaseCollectAddress:
		req.Task = d.collectionTask(s, newlyFilled, "Ask for their home address: street, city, state, and ZIP code.")

	case PhaseConfirmAddress:
		details := pickDetails(s,
			FieldAddressLine1, FieldAddressLine2, FieldCity, FieldState, FieldZipCode)
		details["verified"] = fmt.Sprintf("%t", s.AddressValidatedValue())
		req.Task = "Read back their address and ask them to confirm it's correct."
		req.Data = ReplyData{Details: details}

	case PhaseCollectMedical:
		if containsField(newlyFilled, FieldChiefComplaint) {
			req.Task = "Empathize briefly with their reason for visiting, then ask a short follow-up about symptoms or how long it's been going on."
		} else {
			req.Task = "Ask what brings them in today - the reason for their visit."
		}

	case PhaseSelectProvider:
		req.Task = "Present the available providers and ask them to pick one by number or name."
		req.Data = ReplyData{Providers: providerOptions(s.MatchedProviders)}

	case PhaseSelectTime:
		req.Task = fmt.Sprintf("Present the available appointment times for %s and ask them to pick one.", s.SelectedProviderName)
		req.Data = ReplyData{Times: timeOptions(s.AvailableTimes)}

	case PhaseConfirm:
		req.Task = "Show the final appointment summary and ask them to confirm everything is correct to book it."
		req.Data = d.appointmentData(s)

	case PhaseEnd:
		req.Task = "Thank them warmly and confirm the appointment is booked."

	default:
		req.Task = "Continue helping the patient with their intake."
	}

	return d.respond(ctx, s, req)
}

// collectionTask asks for whatever is still missing in the current collect
// phase, acknowledging fields just provided.
func (d *Dispatcher) collectionTask(s *State, newlyFilled []string, freshAsk string) string {
	missing := s.MissingSlots(s.Phase)
	if len(missing) == 0 {
		return "Acknowledge the information and let them know what comes next."
	}

	names := make([]string, 0, len(missing))
	for _, f := range missing {
		names = append(names, DisplayName(f))
	}

	if len(newlyFilled) > 0 {
		got := make([]string, 0, len(newlyFilled))
		for _, f := range newlyFilled {
			got = append(got, DisplayName(f))
		}
		return fmt.Sprintf("Acknowledge you have their %s, then ask for their %s.",
			strings.Join(got, ", "), strings.Join(names, ", "))
	}
	return freshAsk + " Still needed: " + strings.Join(names, ", ") + "."
}

// recordDetails summarizes the on-file record for the returning-patient
// confirmation.
func (d *Dispatcher) recordDetails(s *State, summary *patients.Summary) map[string]string {
	details := map[string]string{}

	name := strings.TrimSpace(s.Slots.ValueOr(FieldFirstName, "") + " " + s.Slots.ValueOr(FieldLastName, ""))
	if name != "" {
		details["name"] = name
	}
	if v, ok := s.Slots.Value(FieldPhone); ok {
		details["phone"] = v
	}
	if v, ok := s.Slots.Value(FieldEmail); ok {
		details["email"] = v
	}

	addrParts := []string{}
	for _, f := range []string{FieldAddressLine1, FieldAddressLine2, FieldCity, FieldState, FieldZipCode} {
		if v, ok := s.Slots.Value(f); ok {
			addrParts = append(addrParts, v)
		}
	}
	if len(addrParts) > 0 {
		details["address"] = strings.Join(addrParts, ", ")
	}

	if v, ok := s.Slots.Value(FieldInsurancePayer); ok {
		details["insurance"] = v
	}
	if v, ok := s.Slots.Value(FieldInsuranceMemberID); ok {
		details["member_id"] = v
	}

	if summary != nil && len(summary.RecentComplaints) > 0 {
		details["last_visit_reason"] = summary.RecentComplaints[0]
	}
	return details
}

// pickDetails builds a details map from the named slots, keyed by display
// name.
func pickDetails(s *State, fields ...string) map[string]string {
	details := map[string]string{}
	for _, f := range fields {
		if v, ok := s.Slots.Value(f); ok && v != "" {
			details[DisplayName(f)] = v
		}
	}
	return details
}

func containsField(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}
