package intake

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatFallback renders ReplyData deterministically. Used when the LLM
// responder fails or returns empty output, so the patient always sees the
// data they need to act on.
func FormatFallback(data ReplyData) string {
	var b strings.Builder

	switch {
	case len(data.Times) > 0:
		b.WriteString("Here are the available times:\n\n")
		for _, t := range data.Times {
			fmt.Fprintf(&b, "- Option %d: %s at %s\n", t.Option, t.Date, t.Time)
		}
		b.WriteString("\nPlease pick one by number.")

	case len(data.Providers) > 0:
		b.WriteString("Here are the available providers:\n\n")
		for i, p := range data.Providers {
			fmt.Fprintf(&b, "- %d. %s", i+1, p.Name)
			if p.Specialty != "" {
				fmt.Fprintf(&b, " - %s", p.Specialty)
			}
			if p.Rating > 0 {
				fmt.Fprintf(&b, " (Rating: %.1f)", p.Rating)
			}
			b.WriteString("\n")
		}
		b.WriteString("\nPlease pick one by number or name.")

	case data.Appointment != nil:
		a := data.Appointment
		b.WriteString("**Appointment Summary**\n\n")
		fmt.Fprintf(&b, "- Provider: %s\n", a.Provider)
		fmt.Fprintf(&b, "- Date: %s\n", a.Date)
		fmt.Fprintf(&b, "- Time: %s\n", a.Time)
		fmt.Fprintf(&b, "- Reason: %s\n", a.Reason)
		b.WriteString("\n**Patient**\n\n")
		fmt.Fprintf(&b, "- Name: %s\n", a.PatientName)
		fmt.Fprintf(&b, "- DOB: %s\n", a.DateOfBirth)
		fmt.Fprintf(&b, "- Phone: %s\n", a.Phone)
		b.WriteString("\n**Insurance**\n\n")
		fmt.Fprintf(&b, "- Provider: %s\n", a.InsurancePayer)
		fmt.Fprintf(&b, "- Member ID: %s\n", a.MemberID)
		b.WriteString("\nIs everything correct? Reply 'yes' to confirm booking.")

	case len(data.Details) > 0:
		encoded, _ := json.MarshalIndent(data.Details, "", "  ")
		fmt.Fprintf(&b, "Please review:\n\n%s\n\nIs everything correct?", encoded)

	default:
		b.WriteString("I'm sorry, could you please repeat that?")
	}

	return b.String()
}
