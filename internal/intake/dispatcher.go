package intake

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/assort-health/intake-agent/internal/address"
	"github.com/assort-health/intake-agent/internal/observability/metrics"
	"github.com/assort-health/intake-agent/internal/patients"
	"github.com/assort-health/intake-agent/internal/scheduling"
	"github.com/assort-health/intake-agent/pkg/logging"
)

const changedByAgent = "intake-agent"

// maxAddressAttempts caps validation retries before the conversation moves on
// with an unverified address.
const maxAddressAttempts = 2

// Dispatcher routes each patient message to the handler for the current
// phase. Collaborator failures never end the session; they degrade to a
// re-prompt on the next turn.
type Dispatcher struct {
	extractor Extractor
	intents   IntentClassifier
	responder Responder
	selector  SelectionInterpreter
	validator AddressValidator
	directory PatientDirectory
	scheduler Scheduler

	logger  *logging.Logger
	metrics *metrics.IntakeMetrics

	providerLimit int
	slotLimit     int

	handlers map[Phase]handlerFunc
}

type handlerFunc func(ctx context.Context, s *State, userInput string) string

// Options wires the dispatcher's collaborators. Limits default sensibly when
// zero.
type Options struct {
	Extractor Extractor
	Intents   IntentClassifier
	Responder Responder
	Selector  SelectionInterpreter
	Validator AddressValidator
	Directory PatientDirectory
	Scheduler Scheduler

	Logger  *logging.Logger
	Metrics *metrics.IntakeMetrics

	ProviderLimit int
	SlotLimit     int
}

// NewDispatcher builds a dispatcher. All collaborators are required.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Extractor == nil || opts.Intents == nil || opts.Responder == nil || opts.Selector == nil {
		panic("intake: LLM collaborators required")
	}
	if opts.Validator == nil {
		panic("intake: address validator required")
	}
	if opts.Directory == nil || opts.Scheduler == nil {
		panic("intake: patient directory and scheduler required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.ProviderLimit <= 0 {
		opts.ProviderLimit = 5
	}
	if opts.SlotLimit <= 0 {
		opts.SlotLimit = 10
	}

	d := &Dispatcher{
		extractor:     opts.Extractor,
		intents:       opts.Intents,
		responder:     opts.Responder,
		selector:      opts.Selector,
		validator:     opts.Validator,
		directory:     opts.Directory,
		scheduler:     opts.Scheduler,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		providerLimit: opts.ProviderLimit,
		slotLimit:     opts.SlotLimit,
	}
	d.handlers = map[Phase]handlerFunc{
		PhaseGreet:            d.handleGreet,
		PhaseCheckIdentity:    d.handleCheckIdentity,
		PhaseVerifyDOB:        d.handleVerifyDOB,
		PhaseConfirmReturning: d.handleConfirmReturning,
		PhaseCollectPatient:   d.handleCollection,
		PhaseConfirmPatient:   d.handleConfirmPatient,
		PhaseCollectInsurance: d.handleCollection,
		PhaseConfirmInsurance: d.handleConfirmInsurance,
		PhaseCollectAddress:   d.handleCollection,
		PhaseValidateAddress:  d.handleValidateAddress,
		PhaseConfirmAddress:   d.handleConfirmAddress,
		PhaseCollectMedical:   d.handleCollection,
		PhaseQueryProviders:   d.handleQueryProviders,
		PhaseSelectProvider:   d.handleSelectProvider,
		PhaseSelectTime:       d.handleSelectTime,
		PhaseConfirm:          d.handleConfirm,
		PhaseEnd:              d.handleEnd,
	}
	return d
}

// Handlers exposes the handler table keys for exhaustiveness checks.
func (d *Dispatcher) Handlers() map[Phase]bool {
	out := make(map[Phase]bool, len(d.handlers))
	for phase := range d.handlers {
		out[phase] = true
	}
	return out
}

// Greeting is the opening assistant message for a new session.
func Greeting() string {
	return "Hi there! Welcome to Assort Health - I'm so glad you reached out today. " +
		"My name is Alex, and I'll be helping you get an appointment scheduled.\n\n" +
		"Have you visited us before? If so, I can pull up your information to save you some time!"
}

func endMessage() string {
	return "Thank you! Your appointment has been booked. " +
		"We look forward to seeing you!\n\n" +
		"Take care!"
}

// HandleTurn processes one patient message and returns the assistant reply.
func (d *Dispatcher) HandleTurn(ctx context.Context, s *State, userInput string) string {
	started := time.Now()
	phase := s.Phase
	s.RecordUser(userInput)

	handler, ok := d.handlers[phase]
	if !ok {
		d.logger.Error("intake: no handler for phase", "phase", phase)
		handler = func(ctx context.Context, s *State, userInput string) string {
			return d.respond(ctx, s, ReplyRequest{
				UserInput: userInput,
				Task:      "Something went wrong. Apologize and ask if they'd like to start over.",
			})
		}
	}

	reply := handler(ctx, s, userInput)
	s.RecordAssistant(reply)

	if phase != s.Phase {
		d.logger.Info("intake: phase transition", "from", phase, "to", s.Phase)
	}
	d.metrics.ObserveTurn(string(phase), "ok")
	d.metrics.ObserveTurnLatency(string(phase), time.Since(started).Seconds())
	if s.Done() {
		d.metrics.ObserveSessionCompleted()
	}
	return reply
}

// extract merges whatever the extractor found into the slot record and
// returns the changed field names. Extraction failures change nothing.
func (d *Dispatcher) extract(ctx context.Context, s *State, userInput string) []string {
	extracted, err := d.extractor.ExtractSlots(ctx, userInput)
	if err != nil {
		d.logger.Warn("intake: slot extraction degraded", "error", err)
		d.metrics.ObserveLLMDegraded("extract")
		return nil
	}
	return s.Slots.Merge(extracted)
}

// classify returns the message intent, or a zero intent when classification
// fails.
func (d *Dispatcher) classify(ctx context.Context, userInput string) Intent {
	intent, err := d.intents.ClassifyIntent(ctx, userInput)
	if err != nil {
		d.logger.Warn("intake: intent classification degraded", "error", err)
		d.metrics.ObserveLLMDegraded("intent")
		return Intent{}
	}
	return intent
}

// respond generates a reply, falling back to the deterministic formatter so
// the patient always gets the data they need to continue.
func (d *Dispatcher) respond(ctx context.Context, s *State, req ReplyRequest) string {
	req.Collected = s.Slots.Filled()
	req.PatientName = s.Slots.ValueOr(FieldFirstName, "")
	req.History = s.History

	reply, err := d.responder.GenerateReply(ctx, req)
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			d.logger.Warn("intake: reply generation degraded", "error", err)
		}
		d.metrics.ObserveLLMDegraded("respond")
		return FormatFallback(req.Data)
	}
	return reply
}

func (d *Dispatcher) handleGreet(ctx context.Context, s *State, userInput string) string {
	s.Phase = PhaseCheckIdentity
	return d.phaseReply(ctx, s, userInput, nil, nil)
}

func (d *Dispatcher) handleCheckIdentity(ctx context.Context, s *State, userInput string) string {
	d.extract(ctx, s, userInput)

	patient, err := d.directory.FindExisting(ctx,
		s.Slots.ValueOr(FieldPhone, ""),
		s.Slots.ValueOr(FieldEmail, ""),
		s.Slots.ValueOr(FieldFirstName, ""),
		s.Slots.ValueOr(FieldLastName, ""),
		s.Slots.ValueOr(FieldDateOfBirth, ""),
	)
	if err != nil {
		d.logger.Error("intake: patient lookup failed", "error", err)
	}
	if patient != nil {
		return d.setReturningPatient(ctx, s, patient, userInput)
	}

	firstName, hasFirst := s.Slots.Value(FieldFirstName)
	lastName, hasLast := s.Slots.Value(FieldLastName)
	_, hasDOB := s.Slots.Value(FieldDateOfBirth)
	if hasFirst && hasLast && !hasDOB {
		matches, err := d.directory.FindByName(ctx, firstName, lastName)
		if err != nil {
			d.logger.Error("intake: name lookup failed", "error", err)
		}
		if len(matches) > 0 {
			s.PendingNameMatches = matches
			s.Phase = PhaseVerifyDOB
			return d.respond(ctx, s, ReplyRequest{
				UserInput: userInput,
				Task: fmt.Sprintf("Found %d patient(s) named %s %s. Ask for their date of birth to verify identity.",
					len(matches), firstName, lastName),
			})
		}
	}

	intent := d.classify(ctx, userInput)
	_, hasPhone := s.Slots.Value(FieldPhone)
	switch {
	case intent.Negative || wordIn(userInput, "no"):
		s.Phase = PhaseCollectPatient
		return d.phaseReply(ctx, s, userInput, nil, nil)
	case hasPhone || hasFirst:
		s.Phase = PhaseCollectPatient
		return d.respond(ctx, s, ReplyRequest{
			UserInput: userInput,
			Task:      "Patient not found in system. Let them know and start collecting their registration info (name, DOB, phone).",
		})
	default:
		return d.phaseReply(ctx, s, userInput, nil, nil)
	}
}

// setReturningPatient loads a matched patient's record into the session and
// moves to the returning-patient confirmation.
func (d *Dispatcher) setReturningPatient(ctx context.Context, s *State, p *patients.Patient, userInput string) string {
	s.IsReturning = true
	s.PatientID = p.ID
	adoptPatient(&s.Slots, p)
	s.setAddressValidated(p.AddressValidated)
	s.Phase = PhaseConfirmReturning

	summary, err := d.directory.GetSummary(ctx, p.ID)
	if err != nil {
		d.logger.Warn("intake: patient summary unavailable", "error", err)
	}
	return d.phaseReply(ctx, s, userInput, nil, summary)
}

func adoptPatient(slots *SlotRecord, p *patients.Patient) {
	set := func(field, value string) {
		if value != "" {
			slots.set(field, value)
		}
	}
	set(FieldFirstName, p.FirstName)
	set(FieldLastName, p.LastName)
	set(FieldDateOfBirth, p.DateOfBirth)
	set(FieldPhone, p.Phone)
	set(FieldEmail, p.Email)
	set(FieldAddressLine1, p.AddressLine1)
	set(FieldAddressLine2, p.AddressLine2)
	set(FieldCity, p.City)
	set(FieldState, p.State)
	set(FieldZipCode, p.ZipCode)
	set(FieldInsurancePayer, p.InsurancePayer)
	set(FieldInsurancePlan, p.InsurancePlan)
	set(FieldInsuranceMemberID, p.InsuranceMemberID)
	set(FieldInsuranceGroupID, p.InsuranceGroupID)
}

func (d *Dispatcher) handleVerifyDOB(ctx context.Context, s *State, userInput string) string {
	d.extract(ctx, s, userInput)

	dob, ok := s.Slots.Value(FieldDateOfBirth)
	if !ok {
		return d.respond(ctx, s, ReplyRequest{
			UserInput: userInput,
			Task:      "Ask for date of birth to verify identity.",
		})
	}

	for i := range s.PendingNameMatches {
		if s.PendingNameMatches[i].DateOfBirth == dob {
			match := s.PendingNameMatches[i]
			s.PendingNameMatches = nil
			return d.setReturningPatient(ctx, s, &match, userInput)
		}
	}

	s.PendingNameMatches = nil
	s.Phase = PhaseCollectPatient
	return d.respond(ctx, s, ReplyRequest{
		UserInput: userInput,
		Task:      "DOB didn't match any records. Let them know and start collecting registration info as new patient.",
	})
}

var addressFields = map[string]bool{
	FieldAddressLine1: true,
	FieldCity:         true,
	FieldState:        true,
	FieldZipCode:      true,
}

func (d *Dispatcher) handleConfirmReturning(ctx context.Context, s *State, userInput string) string {
	intent := d.classify(ctx, userInput)
	newlyFilled := d.extract(ctx, s, userInput)

	addressChanged := false
	for _, field := range newlyFilled {
		if addressFields[field] {
			addressChanged = true
			break
		}
	}
	if addressChanged {
		s.resetAddressValidation()
	}

	if intent.WantsUpdate || intent.Negative {
		switch {
		case len(newlyFilled) > 0:
			if addressChanged && s.PhaseComplete(PhaseCollectAddress) {
				return d.doAddressValidation(ctx, s, newlyFilled) + "\n\nAnything else to update?"
			}
			return d.phaseReply(ctx, s, userInput, newlyFilled, nil) + "\n\nAnything else to update?"
		case intent.FieldToUpdate != "":
			return d.respond(ctx, s, ReplyRequest{
				UserInput: userInput,
				Task:      fmt.Sprintf("Patient wants to update their %s. Ask them for the new value.", intent.FieldToUpdate),
			})
		default:
			return d.respond(ctx, s, ReplyRequest{
				UserInput: userInput,
				Task:      "Ask what they'd like to update - phone, address, insurance, etc.",
			})
		}
	}

	if intent.Affirmative {
		// A returning patient can only skip ahead when their address is
		// complete and its validation state is settled. Otherwise route back
		// through address collection.
		if !s.PhaseComplete(PhaseCollectAddress) || s.AddressValidated == nil {
			s.Phase = PhaseCollectAddress
			return d.advanceToNextActionable(ctx, s, userInput)
		}
		s.Phase = PhaseCollectMedical
		return d.phaseReply(ctx, s, userInput, nil, nil)
	}

	if len(newlyFilled) > 0 {
		if addressChanged && s.PhaseComplete(PhaseCollectAddress) {
			return d.doAddressValidation(ctx, s, newlyFilled) + "\n\nAnything else to update?"
		}
		return d.phaseReply(ctx, s, userInput, newlyFilled, nil) + "\n\nAnything else to update, or is everything correct now?"
	}

	return d.respond(ctx, s, ReplyRequest{
		UserInput: userInput,
		Task:      "Ask if their information is still correct or if they'd like to update anything.",
	})
}

func (d *Dispatcher) handleCollection(ctx context.Context, s *State, userInput string) string {
	newlyFilled := d.extract(ctx, s, userInput)

	if s.PhaseComplete(s.Phase) {
		next := NextPhase(s)
		s.Phase = next

		if next == PhaseValidateAddress {
			return d.doAddressValidation(ctx, s, newlyFilled)
		}
		if next == PhaseQueryProviders {
			ack := d.phaseReply(ctx, s, userInput, newlyFilled, nil)
			return ack + "\n\n" + d.handleQueryProviders(ctx, s, userInput)
		}
	}

	return d.phaseReply(ctx, s, userInput, newlyFilled, nil)
}

// doAddressValidation runs one validation attempt and routes the outcome.
// Service errors count as a failed attempt.
func (d *Dispatcher) doAddressValidation(ctx context.Context, s *State, newlyFilled []string) string {
	s.AddressAttempts++

	result, err := d.validator.Validate(ctx, address.Input{
		Line1:   s.Slots.ValueOr(FieldAddressLine1, ""),
		Line2:   s.Slots.ValueOr(FieldAddressLine2, ""),
		City:    s.Slots.ValueOr(FieldCity, ""),
		State:   s.Slots.ValueOr(FieldState, ""),
		ZipCode: s.Slots.ValueOr(FieldZipCode, ""),
	})
	if err != nil {
		d.logger.Warn("intake: address validation errored", "error", err, "attempt", s.AddressAttempts)
		d.metrics.ObserveAddressValidation("error")
		result = &address.Result{
			Valid: false,
			InputAddress: address.Input{
				Line1:   s.Slots.ValueOr(FieldAddressLine1, ""),
				Line2:   s.Slots.ValueOr(FieldAddressLine2, ""),
				City:    s.Slots.ValueOr(FieldCity, ""),
				State:   s.Slots.ValueOr(FieldState, ""),
				ZipCode: s.Slots.ValueOr(FieldZipCode, ""),
			}.FormatOneLine(),
		}
	}

	ack := ""
	if len(newlyFilled) > 0 {
		if len(newlyFilled) <= 3 {
			names := make([]string, 0, len(newlyFilled))
			for _, f := range newlyFilled {
				names = append(names, DisplayName(f))
			}
			ack = fmt.Sprintf("Thanks! I've recorded your %s. ", strings.Join(names, ", "))
		} else {
			ack = "Thanks for all that information! "
		}
	}

	if result.Valid {
		d.metrics.ObserveAddressValidation("valid")
		s.setAddressValidated(true)
		s.Phase = PhaseConfirmAddress
		return ack + "Your address has been verified. " + d.phaseReply(ctx, s, "", nil, nil)
	}

	if err == nil {
		d.metrics.ObserveAddressValidation("invalid")
	}

	if s.AddressAttempts >= maxAddressAttempts {
		s.setAddressValidated(false)
		s.Phase = PhaseConfirmAddress
		return ack + "I couldn't fully verify that address, but let's continue. " + d.phaseReply(ctx, s, "", nil, nil)
	}

	s.PendingSuggestedAddress = result.Suggested
	s.Phase = PhaseValidateAddress

	msg := ack + fmt.Sprintf("The address %q could not be verified.", result.InputAddress)
	if result.Suggested != "" {
		msg += fmt.Sprintf("\n\nDid you mean: **%s**?\n\nReply 'yes' to use this address, or provide the correct address.", result.Suggested)
	} else {
		msg += "\n\nPlease double-check and provide the correct address."
	}
	return msg
}

var (
	countrySuffixRe = regexp.MustCompile(`(?i),?\s*(USA|US|United States)$`)
	stateZipRe      = regexp.MustCompile(`^([A-Z]{2})\s+(\d{5})(?:-\d{4})?$`)
	twoLetterRe     = regexp.MustCompile(`^[A-Za-z]{2}$`)
)

// parseSuggestedAddress splits a formatted suggestion like
// "123 Street Name, City, ST 12345, USA" into slot updates. Returns false
// when no state can be recovered.
func parseSuggestedAddress(suggested string) (SlotRecord, bool) {
	trimmed := countrySuffixRe.ReplaceAllString(strings.TrimSpace(suggested), "")

	parts := strings.Split(trimmed, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 3 {
		return SlotRecord{}, false
	}

	var rec SlotRecord
	rec.AddressLine1 = strPtr(parts[0])
	rec.City = strPtr(parts[1])

	stateZip := parts[2]
	if m := stateZipRe.FindStringSubmatch(stateZip); m != nil {
		rec.State = strPtr(m[1])
		rec.ZipCode = strPtr(m[2])
		return rec, true
	}
	if twoLetterRe.MatchString(stateZip) {
		rec.State = strPtr(strings.ToUpper(stateZip))
		return rec, true
	}
	return SlotRecord{}, false
}

func (d *Dispatcher) handleValidateAddress(ctx context.Context, s *State, userInput string) string {
	intent := d.classify(ctx, userInput)
	if (intent.Affirmative || wordIn(userInput, "yes")) && s.PendingSuggestedAddress != "" {
		suggested := s.PendingSuggestedAddress
		if parsed, ok := parseSuggestedAddress(suggested); ok {
			s.Slots.Merge(parsed)
		}
		// The suggestion came from the validator, so it counts as verified
		// even when it cannot be split back into components.
		s.setAddressValidated(true)
		s.PendingSuggestedAddress = ""
		s.Phase = PhaseConfirmAddress
		return d.respond(ctx, s, ReplyRequest{
			UserInput: userInput,
			Task:      fmt.Sprintf("Confirm you've updated their address to: %s. Ask if this is correct.", suggested),
			Data:      ReplyData{Details: map[string]string{"updated_address": suggested}},
		})
	}

	newlyFilled := d.extract(ctx, s, userInput)
	s.PendingSuggestedAddress = ""

	if s.PhaseComplete(PhaseCollectAddress) {
		return d.doAddressValidation(ctx, s, newlyFilled)
	}
	return d.phaseReply(ctx, s, userInput, newlyFilled, nil)
}

// advanceToNextActionable skips phases whose slots are already complete so a
// patient who gave everything up front is not re-asked.
func (d *Dispatcher) advanceToNextActionable(ctx context.Context, s *State, userInput string) string {
	switch s.Phase {
	case PhaseCollectPatient:
		if s.PhaseComplete(PhaseCollectPatient) {
			s.Phase = PhaseConfirmPatient
		}
		return d.phaseReply(ctx, s, userInput, nil, nil)

	case PhaseCollectInsurance:
		if s.PhaseComplete(PhaseCollectInsurance) {
			s.Phase = PhaseConfirmInsurance
		}
		return d.phaseReply(ctx, s, userInput, nil, nil)

	case PhaseCollectAddress:
		if s.PhaseComplete(PhaseCollectAddress) {
			s.Phase = PhaseValidateAddress
			return d.doAddressValidation(ctx, s, nil)
		}
		return d.phaseReply(ctx, s, userInput, nil, nil)

	case PhaseCollectMedical:
		if s.PhaseComplete(PhaseCollectMedical) {
			s.Phase = PhaseQueryProviders
			return d.handleQueryProviders(ctx, s, userInput)
		}
		return d.phaseReply(ctx, s, userInput, nil, nil)

	default:
		return d.phaseReply(ctx, s, userInput, nil, nil)
	}
}

// phaseConfirm handles yes/no/correction loops shared by the three
// section-confirmation phases.
func (d *Dispatcher) phaseConfirm(ctx context.Context, s *State, userInput string, next Phase) string {
	intent := d.classify(ctx, userInput)

	if intent.Affirmative || wordIn(userInput, "yes") {
		s.Phase = next
		return d.advanceToNextActionable(ctx, s, userInput)
	}

	newlyFilled := d.extract(ctx, s, userInput)
	if len(newlyFilled) > 0 {
		return d.phaseReply(ctx, s, userInput, newlyFilled, nil) + "\n\nIs this correct now?"
	}

	if intent.Negative || intent.WantsUpdate {
		return d.respond(ctx, s, ReplyRequest{
			UserInput: userInput,
			Task:      "Ask what they'd like to correct.",
		})
	}
	return d.respond(ctx, s, ReplyRequest{
		UserInput: userInput,
		Task:      "Ask them to confirm if the information is correct or what needs to be changed.",
	})
}

func (d *Dispatcher) handleConfirmPatient(ctx context.Context, s *State, userInput string) string {
	return d.phaseConfirm(ctx, s, userInput, PhaseCollectInsurance)
}

func (d *Dispatcher) handleConfirmInsurance(ctx context.Context, s *State, userInput string) string {
	return d.phaseConfirm(ctx, s, userInput, PhaseCollectAddress)
}

func (d *Dispatcher) handleConfirmAddress(ctx context.Context, s *State, userInput string) string {
	return d.phaseConfirm(ctx, s, userInput, PhaseCollectMedical)
}

func (d *Dispatcher) handleQueryProviders(ctx context.Context, s *State, userInput string) string {
	insurance := s.Slots.ValueOr(FieldInsurancePayer, "")
	condition := s.Slots.ValueOr(FieldChiefComplaint, "")

	// Widen the search tier by tier until something matches.
	queries := []scheduling.ProviderQuery{
		{Insurance: insurance, Condition: condition, Limit: d.providerLimit},
		{Insurance: insurance, Limit: d.providerLimit},
		{Limit: d.providerLimit},
	}

	var providers []scheduling.Provider
	for _, q := range queries {
		found, err := d.scheduler.FindProviders(ctx, q)
		if err != nil {
			d.logger.Error("intake: provider query failed", "error", err)
			continue
		}
		if len(found) > 0 {
			providers = found
			break
		}
	}

	if len(providers) > 0 {
		s.MatchedProviders = providers
		s.Phase = PhaseSelectProvider
		return d.phaseReply(ctx, s, userInput, nil, nil)
	}

	s.Phase = PhaseConfirm
	return d.respond(ctx, s, ReplyRequest{
		UserInput: userInput,
		Task:      "No providers available at this time. Apologize and let them know we'll contact them when slots open up.",
	})
}

func (d *Dispatcher) handleSelectProvider(ctx context.Context, s *State, userInput string) string {
	options := make([]string, 0, len(s.MatchedProviders))
	for _, p := range s.MatchedProviders {
		options = append(options, fmt.Sprintf("%s - %s", p.Name, p.Specialty))
	}

	idx := d.interpretSelection(ctx, userInput, options)
	if idx >= 0 && idx < len(s.MatchedProviders) {
		provider := s.MatchedProviders[idx]
		s.SelectedProviderID = provider.ID
		s.SelectedProviderName = provider.Name

		slots, err := d.scheduler.AvailableSlots(ctx, provider.ID, d.slotLimit)
		if err != nil {
			d.logger.Error("intake: slot query failed", "error", err, "provider_id", provider.ID)
		}
		if len(slots) > 0 {
			s.AvailableTimes = slots
			s.Phase = PhaseSelectTime
			return d.phaseReply(ctx, s, userInput, nil, nil)
		}

		return d.respond(ctx, s, ReplyRequest{
			UserInput: userInput,
			Task:      fmt.Sprintf("%s has no available appointments. Apologize and ask them to select another provider from the list.", provider.Name),
			Data:      ReplyData{Providers: providerOptions(s.MatchedProviders)},
		})
	}

	return d.respond(ctx, s, ReplyRequest{
		UserInput: userInput,
		Task:      "Couldn't understand which provider they want. Ask them to pick one from the list by number or name.",
		Data:      ReplyData{Providers: providerOptions(s.MatchedProviders)},
	})
}

func (d *Dispatcher) handleSelectTime(ctx context.Context, s *State, userInput string) string {
	options := make([]string, 0, len(s.AvailableTimes))
	for _, slot := range s.AvailableTimes {
		options = append(options, fmt.Sprintf("%s at %s", slot.Date, slot.Time))
	}

	idx := d.interpretSelection(ctx, userInput, options)
	if idx >= 0 && idx < len(s.AvailableTimes) {
		slot := s.AvailableTimes[idx]
		s.SelectedAppointmentID = slot.ID
		s.SelectedDate = slot.Date
		s.SelectedTime = slot.Time
		s.Phase = PhaseConfirm

		return d.respond(ctx, s, ReplyRequest{
			UserInput: userInput,
			Task:      "Show the final appointment summary and ask them to confirm everything is correct to book it.",
			Data:      d.appointmentData(s),
		})
	}

	return d.respond(ctx, s, ReplyRequest{
		UserInput: userInput,
		Task:      "Couldn't understand which time slot they want. Ask them to pick one from the list.",
		Data:      ReplyData{Times: timeOptions(s.AvailableTimes)},
	})
}

func (d *Dispatcher) interpretSelection(ctx context.Context, userInput string, options []string) int {
	idx, err := d.selector.InterpretSelection(ctx, userInput, options)
	if err != nil {
		d.logger.Warn("intake: selection interpretation degraded", "error", err)
		d.metrics.ObserveLLMDegraded("select")
		return -1
	}
	return idx
}

func (d *Dispatcher) handleConfirm(ctx context.Context, s *State, userInput string) string {
	intent := d.classify(ctx, userInput)

	if intent.Affirmative || wordIn(userInput, "yes") {
		if err := d.savePatientData(ctx, s); err != nil {
			if errors.Is(err, scheduling.ErrSlotUnavailable) {
				return d.handleSlotConflict(ctx, s, userInput)
			}
			d.logger.Error("intake: saving intake data failed", "error", err)
			return d.respond(ctx, s, ReplyRequest{
				UserInput: userInput,
				Task:      "Something went wrong saving their information. Apologize and ask them to confirm again in a moment.",
				Data:      d.appointmentData(s),
			})
		}
		s.Phase = PhaseEnd
		return endMessage()
	}

	if intent.Negative {
		return d.respond(ctx, s, ReplyRequest{
			UserInput: userInput,
			Task:      "Ask what they'd like to correct before booking.",
			Data:      d.appointmentData(s),
		})
	}

	newlyFilled := d.extract(ctx, s, userInput)
	task := "Show the final appointment summary and ask them to confirm everything is correct to book it."
	if len(newlyFilled) > 0 {
		task = "Show updated info and ask them to confirm everything is correct to book."
	}
	return d.respond(ctx, s, ReplyRequest{
		UserInput: userInput,
		Task:      task,
		Data:      d.appointmentData(s),
	})
}

// handleSlotConflict runs when someone else booked the chosen slot between
// selection and confirmation. The patient and visit records are already saved
// at this point; only the booking is outstanding.
func (d *Dispatcher) handleSlotConflict(ctx context.Context, s *State, userInput string) string {
	taken := fmt.Sprintf("%s at %s", s.SelectedDate, s.SelectedTime)
	d.logger.Warn("intake: selected slot no longer available",
		"appointment_id", s.SelectedAppointmentID, "provider_id", s.SelectedProviderID)
	s.SelectedAppointmentID = ""
	s.SelectedDate = ""
	s.SelectedTime = ""

	slots, err := d.scheduler.AvailableSlots(ctx, s.SelectedProviderID, d.slotLimit)
	if err != nil {
		d.logger.Error("intake: slot lookup failed", "error", err, "provider_id", s.SelectedProviderID)
	}
	if len(slots) == 0 {
		return d.respond(ctx, s, ReplyRequest{
			UserInput: userInput,
			Task: fmt.Sprintf("The %s appointment with %s is no longer available, and no other times are open right now. "+
				"Apologize, let them know their information has been saved, and suggest checking back soon.",
				taken, s.SelectedProviderName),
		})
	}

	s.AvailableTimes = slots
	s.Phase = PhaseSelectTime
	return d.respond(ctx, s, ReplyRequest{
		UserInput: userInput,
		Task: fmt.Sprintf("The %s appointment with %s is no longer available. "+
			"Apologize and present the open times so they can pick a different one.",
			taken, s.SelectedProviderName),
		Data: ReplyData{Times: timeOptions(slots)},
	})
}

func (d *Dispatcher) handleEnd(ctx context.Context, s *State, userInput string) string {
	return d.respond(ctx, s, ReplyRequest{
		UserInput: userInput,
		Task:      "Thank them warmly, confirm the appointment is booked, and wish them well. Be genuine and caring.",
	})
}

// savePatientData persists the collected record, the visit, and the booking.
// The patient and visit steps are recorded on the state, so a retried
// confirmation picks up where the previous attempt stopped instead of
// creating duplicate rows.
func (d *Dispatcher) savePatientData(ctx context.Context, s *State) error {
	var patientID string

	if s.PatientID != "" {
		upd := patients.Update{
			FirstName:         s.Slots.FirstName,
			LastName:          s.Slots.LastName,
			DateOfBirth:       s.Slots.DateOfBirth,
			Phone:             s.Slots.Phone,
			Email:             s.Slots.Email,
			AddressLine1:      s.Slots.AddressLine1,
			AddressLine2:      s.Slots.AddressLine2,
			City:              s.Slots.City,
			State:             s.Slots.State,
			ZipCode:           s.Slots.ZipCode,
			AddressValidated:  s.AddressValidated,
			InsurancePayer:    s.Slots.InsurancePayer,
			InsurancePlan:     s.Slots.InsurancePlan,
			InsuranceMemberID: s.Slots.InsuranceMemberID,
			InsuranceGroupID:  s.Slots.InsuranceGroupID,
		}
		if _, err := d.directory.ApplyUpdate(ctx, s.PatientID, upd, changedByAgent); err != nil {
			return err
		}
		patientID = s.PatientID
	} else {
		p := &patients.Patient{
			FirstName:         s.Slots.ValueOr(FieldFirstName, ""),
			LastName:          s.Slots.ValueOr(FieldLastName, ""),
			DateOfBirth:       s.Slots.ValueOr(FieldDateOfBirth, ""),
			Phone:             s.Slots.ValueOr(FieldPhone, ""),
			Email:             s.Slots.ValueOr(FieldEmail, ""),
			AddressLine1:      s.Slots.ValueOr(FieldAddressLine1, ""),
			AddressLine2:      s.Slots.ValueOr(FieldAddressLine2, ""),
			City:              s.Slots.ValueOr(FieldCity, ""),
			State:             s.Slots.ValueOr(FieldState, ""),
			ZipCode:           s.Slots.ValueOr(FieldZipCode, ""),
			AddressValidated:  s.AddressValidatedValue(),
			InsurancePayer:    s.Slots.ValueOr(FieldInsurancePayer, ""),
			InsurancePlan:     s.Slots.ValueOr(FieldInsurancePlan, ""),
			InsuranceMemberID: s.Slots.ValueOr(FieldInsuranceMemberID, ""),
			InsuranceGroupID:  s.Slots.ValueOr(FieldInsuranceGroupID, ""),
		}
		if err := d.directory.Create(ctx, p, changedByAgent); err != nil {
			return err
		}
		s.PatientID = p.ID
		patientID = p.ID
	}

	if complaint, ok := s.Slots.Value(FieldChiefComplaint); ok && s.VisitID == "" {
		visit := &patients.Visit{
			PatientID:       patientID,
			ChiefComplaint:  complaint,
			Symptoms:        s.Slots.ValueOr(FieldSymptoms, ""),
			SymptomDuration: s.Slots.ValueOr(FieldSymptomDuration, ""),
			Severity:        s.Slots.Severity,
		}
		if err := d.directory.CreateVisit(ctx, visit); err != nil {
			return err
		}
		s.VisitID = visit.ID
	}

	if s.SelectedAppointmentID != "" {
		_, err := d.scheduler.Book(ctx, s.SelectedAppointmentID, patientID, s.VisitID,
			s.Slots.ValueOr(FieldChiefComplaint, ""))
		if err != nil {
			d.metrics.ObserveBooking("failed")
			return err
		}
		d.metrics.ObserveBooking("booked")
	}
	return nil
}

func (d *Dispatcher) appointmentData(s *State) ReplyData {
	return ReplyData{
		Appointment: &AppointmentSummary{
			Provider:       s.SelectedProviderName,
			Date:           s.SelectedDate,
			Time:           s.SelectedTime,
			Reason:         s.Slots.ValueOr(FieldChiefComplaint, ""),
			PatientName:    strings.TrimSpace(s.Slots.ValueOr(FieldFirstName, "") + " " + s.Slots.ValueOr(FieldLastName, "")),
			DateOfBirth:    s.Slots.ValueOr(FieldDateOfBirth, ""),
			Phone:          s.Slots.ValueOr(FieldPhone, ""),
			InsurancePayer: s.Slots.ValueOr(FieldInsurancePayer, ""),
			MemberID:       s.Slots.ValueOr(FieldInsuranceMemberID, ""),
		},
	}
}

func providerOptions(providers []scheduling.Provider) []ProviderOption {
	out := make([]ProviderOption, 0, len(providers))
	for _, p := range providers {
		out = append(out, ProviderOption{Name: p.Name, Specialty: p.Specialty, Rating: p.Rating})
	}
	return out
}

func timeOptions(slots []scheduling.Appointment) []TimeOption {
	out := make([]TimeOption, 0, len(slots))
	for i, slot := range slots {
		out = append(out, TimeOption{Option: i + 1, Date: slot.Date, Time: slot.Time})
	}
	return out
}

// wordIn reports whether the lowercased input contains word as a whole token.
func wordIn(input, word string) bool {
	for _, token := range strings.Fields(strings.ToLower(input)) {
		if token == word {
			return true
		}
	}
	return false
}
