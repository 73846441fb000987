package intake

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assort-health/intake-agent/internal/address"
	"github.com/assort-health/intake-agent/internal/patients"
	"github.com/assort-health/intake-agent/internal/scheduling"
	"github.com/assort-health/intake-agent/pkg/logging"
)

// fakeLLM backs all four LLM collaborator interfaces with overridable
// functions. The defaults are deterministic: intent comes from literal
// yes/no, replies echo the task, selections parse the first number.
type fakeLLM struct {
	extractFn func(string) (SlotRecord, error)
	intentFn  func(string) (Intent, error)
	replyFn   func(ReplyRequest) (string, error)
	selectFn  func(string, []string) (int, error)
}

func (f *fakeLLM) ExtractSlots(_ context.Context, input string) (SlotRecord, error) {
	if f.extractFn != nil {
		return f.extractFn(input)
	}
	return SlotRecord{}, nil
}

func (f *fakeLLM) ClassifyIntent(_ context.Context, input string) (Intent, error) {
	if f.intentFn != nil {
		return f.intentFn(input)
	}
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "yes", "yep", "correct":
		return Intent{Affirmative: true}, nil
	case "no", "nope":
		return Intent{Negative: true}, nil
	}
	return Intent{}, nil
}

func (f *fakeLLM) GenerateReply(_ context.Context, req ReplyRequest) (string, error) {
	if f.replyFn != nil {
		return f.replyFn(req)
	}
	return "[task] " + req.Task, nil
}

func (f *fakeLLM) InterpretSelection(_ context.Context, input string, options []string) (int, error) {
	if f.selectFn != nil {
		return f.selectFn(input, options)
	}
	for _, token := range strings.Fields(input) {
		if n, err := strconv.Atoi(token); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
	}
	return -1, nil
}

type fakeDirectory struct {
	existing *patients.Patient
	byName   []patients.Patient
	summary  *patients.Summary

	created   []*patients.Patient
	updates   []patients.Update
	visits    []*patients.Visit
	createErr error
}

func (f *fakeDirectory) FindExisting(_ context.Context, phone, email, firstName, lastName, dob string) (*patients.Patient, error) {
	return f.existing, nil
}

func (f *fakeDirectory) FindByName(_ context.Context, firstName, lastName string) ([]patients.Patient, error) {
	return f.byName, nil
}

func (f *fakeDirectory) Create(_ context.Context, p *patients.Patient, changedBy string) error {
	if f.createErr != nil {
		return f.createErr
	}
	p.ID = "new-patient"
	f.created = append(f.created, p)
	return nil
}

func (f *fakeDirectory) ApplyUpdate(_ context.Context, id string, upd patients.Update, changedBy string) ([]string, error) {
	f.updates = append(f.updates, upd)
	return nil, nil
}

func (f *fakeDirectory) CreateVisit(_ context.Context, v *patients.Visit) error {
	v.ID = "visit-1"
	f.visits = append(f.visits, v)
	return nil
}

func (f *fakeDirectory) GetSummary(_ context.Context, patientID string) (*patients.Summary, error) {
	return f.summary, nil
}

type fakeScheduler struct {
	providersFn func(scheduling.ProviderQuery) ([]scheduling.Provider, error)
	slots       []scheduling.Appointment
	bookErr     error

	queries        []scheduling.ProviderQuery
	booked         []string
	bookedPatients []string
}

func (f *fakeScheduler) FindProviders(_ context.Context, q scheduling.ProviderQuery) ([]scheduling.Provider, error) {
	f.queries = append(f.queries, q)
	if f.providersFn != nil {
		return f.providersFn(q)
	}
	return []scheduling.Provider{providerFixture("p1", "Dr. Chen")}, nil
}

func (f *fakeScheduler) AvailableSlots(_ context.Context, providerID string, limit int) ([]scheduling.Appointment, error) {
	return f.slots, nil
}

func (f *fakeScheduler) Book(_ context.Context, appointmentID, patientID, visitID, reason string) (*scheduling.Appointment, error) {
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	f.booked = append(f.booked, appointmentID)
	f.bookedPatients = append(f.bookedPatients, patientID)
	return &scheduling.Appointment{ID: appointmentID, PatientID: patientID, Status: "booked"}, nil
}

type fakeValidator struct {
	fn    func(address.Input) (*address.Result, error)
	calls int
}

func (f *fakeValidator) Validate(_ context.Context, in address.Input) (*address.Result, error) {
	f.calls++
	if f.fn != nil {
		return f.fn(in)
	}
	return &address.Result{Valid: true, InputAddress: in.FormatOneLine()}, nil
}

func providerFixture(id, name string) scheduling.Provider {
	return scheduling.Provider{ID: id, Name: name, Specialty: "Orthopedics", Rating: 4.8}
}

func slotFixture(id, date, timeOfDay string) scheduling.Appointment {
	return scheduling.Appointment{ID: id, ProviderID: "p1", Date: date, Time: timeOfDay, Status: "available"}
}

func newTestDispatcher(llm *fakeLLM, dir *fakeDirectory, sch *fakeScheduler, val *fakeValidator) *Dispatcher {
	if llm == nil {
		llm = &fakeLLM{}
	}
	if dir == nil {
		dir = &fakeDirectory{}
	}
	if sch == nil {
		sch = &fakeScheduler{}
	}
	if val == nil {
		val = &fakeValidator{}
	}
	return NewDispatcher(Options{
		Extractor: llm,
		Intents:   llm,
		Responder: llm,
		Selector:  llm,
		Validator: val,
		Directory: dir,
		Scheduler: sch,
		Logger:    logging.NewWithWriter(io.Discard, "error"),
	})
}

func fillAddress(s *State) {
	s.Slots.AddressLine1 = strPtr("1 Main St")
	s.Slots.City = strPtr("Oakland")
	s.Slots.State = strPtr("CA")
	s.Slots.ZipCode = strPtr("94607")
}

func TestHandlerTableCoversAllPhases(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil, nil)
	handlers := d.Handlers()
	for _, phase := range AllPhases() {
		assert.True(t, handlers[phase], "phase %s has no handler", phase)
	}
	assert.Len(t, handlers, len(AllPhases()))
}

func TestGreetAdvancesToCheckIdentity(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil, nil)
	s := NewState()

	reply := d.HandleTurn(context.Background(), s, "hi")
	assert.Equal(t, PhaseCheckIdentity, s.Phase)
	assert.NotEmpty(t, reply)
	require.Len(t, s.History, 2)
	assert.Equal(t, "user", s.History[0].Role)
	assert.Equal(t, "assistant", s.History[1].Role)
}

func TestCheckIdentityLoadsReturningPatient(t *testing.T) {
	dir := &fakeDirectory{
		existing: &patients.Patient{
			ID: "pt-1", FirstName: "Dana", LastName: "Reyes",
			DateOfBirth: "1990-05-03", Phone: "5551234567",
			AddressLine1: "1 Main St", City: "Oakland", State: "CA", ZipCode: "94607",
			AddressValidated: true,
			InsurancePayer:   "Blue Shield", InsuranceMemberID: "BS1",
		},
		summary: &patients.Summary{RecentComplaints: []string{"back pain"}},
	}
	llm := &fakeLLM{extractFn: func(string) (SlotRecord, error) {
		return SlotRecord{Phone: strPtr("555-123-4567")}, nil
	}}
	d := newTestDispatcher(llm, dir, nil, nil)
	s := NewState()
	s.Phase = PhaseCheckIdentity

	d.HandleTurn(context.Background(), s, "my number is 555-123-4567")

	assert.Equal(t, PhaseConfirmReturning, s.Phase)
	assert.True(t, s.IsReturning)
	assert.Equal(t, "pt-1", s.PatientID)
	assert.Equal(t, "Dana", s.Slots.ValueOr(FieldFirstName, ""))
	require.NotNil(t, s.AddressValidated)
	assert.True(t, *s.AddressValidated)
}

func TestCheckIdentityNameMatchesRequireDOB(t *testing.T) {
	dir := &fakeDirectory{byName: []patients.Patient{
		{ID: "pt-1", FirstName: "Dana", LastName: "Reyes", DateOfBirth: "1990-05-03"},
		{ID: "pt-2", FirstName: "Dana", LastName: "Reyes", DateOfBirth: "1985-01-20"},
	}}
	llm := &fakeLLM{extractFn: func(string) (SlotRecord, error) {
		return SlotRecord{FirstName: strPtr("Dana"), LastName: strPtr("Reyes")}, nil
	}}
	d := newTestDispatcher(llm, dir, nil, nil)
	s := NewState()
	s.Phase = PhaseCheckIdentity

	d.HandleTurn(context.Background(), s, "I'm Dana Reyes")

	assert.Equal(t, PhaseVerifyDOB, s.Phase)
	assert.Len(t, s.PendingNameMatches, 2)
}

func TestVerifyDOBMatchSelectsPatient(t *testing.T) {
	llm := &fakeLLM{extractFn: func(string) (SlotRecord, error) {
		return SlotRecord{DateOfBirth: strPtr("05/03/1990")}, nil
	}}
	d := newTestDispatcher(llm, &fakeDirectory{}, nil, nil)
	s := NewState()
	s.Phase = PhaseVerifyDOB
	s.Slots.FirstName = strPtr("Dana")
	s.Slots.LastName = strPtr("Reyes")
	s.PendingNameMatches = []patients.Patient{
		{ID: "pt-2", FirstName: "Dana", LastName: "Reyes", DateOfBirth: "1985-01-20"},
		{ID: "pt-1", FirstName: "Dana", LastName: "Reyes", DateOfBirth: "1990-05-03"},
	}

	d.HandleTurn(context.Background(), s, "May 3rd 1990, that is 05/03/1990")

	assert.Equal(t, PhaseConfirmReturning, s.Phase)
	assert.Equal(t, "pt-1", s.PatientID)
	assert.Empty(t, s.PendingNameMatches)
}

func TestVerifyDOBMismatchFallsBackToNewPatient(t *testing.T) {
	llm := &fakeLLM{extractFn: func(string) (SlotRecord, error) {
		return SlotRecord{DateOfBirth: strPtr("2000-01-01")}, nil
	}}
	d := newTestDispatcher(llm, nil, nil, nil)
	s := NewState()
	s.Phase = PhaseVerifyDOB
	s.PendingNameMatches = []patients.Patient{{ID: "pt-1", DateOfBirth: "1990-05-03"}}

	d.HandleTurn(context.Background(), s, "January 1st 2000")

	assert.Equal(t, PhaseCollectPatient, s.Phase)
	assert.False(t, s.IsReturning)
	assert.Empty(t, s.PendingNameMatches)
}

func TestCollectionAdvancesThroughValidation(t *testing.T) {
	llm := &fakeLLM{extractFn: func(string) (SlotRecord, error) {
		return SlotRecord{
			AddressLine1: strPtr("1 Main St"), City: strPtr("Oakland"),
			State: strPtr("CA"), ZipCode: strPtr("94607"),
		}, nil
	}}
	val := &fakeValidator{}
	d := newTestDispatcher(llm, nil, nil, val)
	s := NewState()
	s.Phase = PhaseCollectAddress

	reply := d.HandleTurn(context.Background(), s, "1 Main St, Oakland CA 94607")

	assert.Equal(t, PhaseConfirmAddress, s.Phase)
	assert.True(t, s.AddressValidatedValue())
	assert.Equal(t, 1, val.calls)
	assert.Contains(t, reply, "verified")
}

func TestAddressValidationGivesUpAfterTwoAttempts(t *testing.T) {
	val := &fakeValidator{fn: func(in address.Input) (*address.Result, error) {
		return &address.Result{Valid: false, InputAddress: in.FormatOneLine()}, nil
	}}
	d := newTestDispatcher(nil, nil, nil, val)
	s := NewState()
	s.Phase = PhaseCollectAddress
	fillAddress(s)

	reply := d.HandleTurn(context.Background(), s, "that's my address")
	assert.Equal(t, PhaseValidateAddress, s.Phase)
	assert.Equal(t, 1, s.AddressAttempts)
	assert.Contains(t, reply, "could not be verified")

	reply = d.HandleTurn(context.Background(), s, "it really is correct")
	assert.Equal(t, PhaseConfirmAddress, s.Phase)
	assert.Equal(t, 2, s.AddressAttempts)
	require.NotNil(t, s.AddressValidated)
	assert.False(t, *s.AddressValidated)
	assert.Contains(t, reply, "let's continue")
}

func TestAddressValidationErrorCountsAsAttempt(t *testing.T) {
	val := &fakeValidator{fn: func(address.Input) (*address.Result, error) {
		return nil, errors.New("service unavailable")
	}}
	d := newTestDispatcher(nil, nil, nil, val)
	s := NewState()
	s.Phase = PhaseCollectAddress
	fillAddress(s)

	d.HandleTurn(context.Background(), s, "here it is")
	assert.Equal(t, 1, s.AddressAttempts)
	assert.Equal(t, PhaseValidateAddress, s.Phase)
}

func TestSuggestedAddressAcceptance(t *testing.T) {
	val := &fakeValidator{fn: func(in address.Input) (*address.Result, error) {
		return &address.Result{
			Valid:        false,
			InputAddress: in.FormatOneLine(),
			Suggested:    "456 Oak Ave, Springfield, IL 62704, USA",
		}, nil
	}}
	d := newTestDispatcher(nil, nil, nil, val)
	s := NewState()
	s.Phase = PhaseCollectAddress
	fillAddress(s)

	reply := d.HandleTurn(context.Background(), s, "here's my address")
	assert.Contains(t, reply, "456 Oak Ave")
	assert.Equal(t, PhaseValidateAddress, s.Phase)

	d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseConfirmAddress, s.Phase)
	assert.True(t, s.AddressValidatedValue())
	assert.Empty(t, s.PendingSuggestedAddress)
	assert.Equal(t, "456 Oak Ave", s.Slots.ValueOr(FieldAddressLine1, ""))
	assert.Equal(t, "Springfield", s.Slots.ValueOr(FieldCity, ""))
	assert.Equal(t, "IL", s.Slots.ValueOr(FieldState, ""))
	assert.Equal(t, "62704", s.Slots.ValueOr(FieldZipCode, ""))
}

func TestSuggestedAddressAcceptedEvenWhenUnparseable(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil, nil)
	s := NewState()
	s.Phase = PhaseValidateAddress
	fillAddress(s)
	s.PendingSuggestedAddress = "somewhere odd"

	d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseConfirmAddress, s.Phase)
	assert.True(t, s.AddressValidatedValue())
	assert.Equal(t, "1 Main St", s.Slots.ValueOr(FieldAddressLine1, ""), "original slots untouched")
}

func TestParseSuggestedAddress(t *testing.T) {
	rec, ok := parseSuggestedAddress("456 Oak Ave, Springfield, IL 62704, USA")
	require.True(t, ok)
	assert.Equal(t, "456 Oak Ave", *rec.AddressLine1)
	assert.Equal(t, "Springfield", *rec.City)
	assert.Equal(t, "IL", *rec.State)
	assert.Equal(t, "62704", *rec.ZipCode)

	rec, ok = parseSuggestedAddress("456 Oak Ave, Springfield, IL 62704-1234, United States")
	require.True(t, ok)
	assert.Equal(t, "62704", *rec.ZipCode)

	rec, ok = parseSuggestedAddress("456 Oak Ave, Springfield, il")
	require.True(t, ok)
	assert.Equal(t, "IL", *rec.State)
	assert.Nil(t, rec.ZipCode)

	_, ok = parseSuggestedAddress("456 Oak Ave, Springfield")
	assert.False(t, ok, "too few parts")

	_, ok = parseSuggestedAddress("456 Oak Ave, Springfield, Illinois 62704")
	assert.False(t, ok, "no recoverable state")
}

func TestConfirmReturningAffirmRoutesThroughAddress(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil, nil)
	s := NewState()
	s.Phase = PhaseConfirmReturning
	s.IsReturning = true
	s.PatientID = "pt-1"
	// Address on file is incomplete; skipping ahead is not allowed.
	s.Slots.AddressLine1 = strPtr("1 Main St")

	d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseCollectAddress, s.Phase)
}

func TestConfirmReturningAffirmWithUnvalidatedAddressRevalidates(t *testing.T) {
	val := &fakeValidator{}
	d := newTestDispatcher(nil, nil, nil, val)
	s := NewState()
	s.Phase = PhaseConfirmReturning
	s.IsReturning = true
	s.PatientID = "pt-1"
	fillAddress(s)
	// Complete address but validation state was never settled.

	d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseConfirmAddress, s.Phase)
	assert.Equal(t, 1, val.calls)
	assert.True(t, s.AddressValidatedValue())
}

func TestConfirmReturningAffirmSkipsToMedicalWhenSettled(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil, nil)
	s := NewState()
	s.Phase = PhaseConfirmReturning
	s.IsReturning = true
	s.PatientID = "pt-1"
	fillAddress(s)
	s.setAddressValidated(true)

	d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseCollectMedical, s.Phase)
}

func TestConfirmReturningAddressChangeResetsValidation(t *testing.T) {
	val := &fakeValidator{}
	llm := &fakeLLM{
		intentFn: func(string) (Intent, error) { return Intent{WantsUpdate: true}, nil },
		extractFn: func(string) (SlotRecord, error) {
			return SlotRecord{City: strPtr("Berkeley")}, nil
		},
	}
	d := newTestDispatcher(llm, nil, nil, val)
	s := NewState()
	s.Phase = PhaseConfirmReturning
	s.IsReturning = true
	s.PatientID = "pt-1"
	fillAddress(s)
	s.setAddressValidated(true)
	s.AddressAttempts = 1

	reply := d.HandleTurn(context.Background(), s, "actually I moved to Berkeley")

	assert.Equal(t, "Berkeley", s.Slots.ValueOr(FieldCity, ""))
	assert.Equal(t, 1, val.calls, "changed address is re-validated inline")
	assert.True(t, s.AddressValidatedValue())
	assert.Contains(t, reply, "Anything else to update?")
	assert.Equal(t, PhaseConfirmAddress, s.Phase, "inline validation advances to the address confirmation")
}

func TestPhaseConfirmAutoAdvancesCompletedSections(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil, nil)
	s := NewState()
	s.Phase = PhaseConfirmPatient
	// Insurance was given up front during patient collection.
	s.Slots.InsurancePayer = strPtr("Blue Shield")
	s.Slots.InsuranceMemberID = strPtr("BS1")

	d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseConfirmInsurance, s.Phase)
}

func TestQueryProvidersWidensTiers(t *testing.T) {
	sch := &fakeScheduler{providersFn: func(q scheduling.ProviderQuery) ([]scheduling.Provider, error) {
		if q.Insurance != "" {
			return nil, nil
		}
		return []scheduling.Provider{providerFixture("p9", "Dr. Okafor")}, nil
	}}
	llm := &fakeLLM{extractFn: func(string) (SlotRecord, error) {
		return SlotRecord{ChiefComplaint: strPtr("knee pain")}, nil
	}}
	d := newTestDispatcher(llm, nil, sch, nil)
	s := NewState()
	s.Phase = PhaseCollectMedical
	s.Slots.InsurancePayer = strPtr("Rare Mutual")

	d.HandleTurn(context.Background(), s, "my knee hurts")

	require.Len(t, sch.queries, 3)
	assert.Equal(t, "Rare Mutual", sch.queries[0].Insurance)
	assert.Equal(t, "knee pain", sch.queries[0].Condition)
	assert.Equal(t, "Rare Mutual", sch.queries[1].Insurance)
	assert.Empty(t, sch.queries[1].Condition)
	assert.Empty(t, sch.queries[2].Insurance)

	assert.Equal(t, PhaseSelectProvider, s.Phase)
	assert.Len(t, s.MatchedProviders, 1)
}

func TestQueryProvidersEmptyShortCircuitsToConfirm(t *testing.T) {
	sch := &fakeScheduler{providersFn: func(scheduling.ProviderQuery) ([]scheduling.Provider, error) {
		return nil, nil
	}}
	llm := &fakeLLM{extractFn: func(string) (SlotRecord, error) {
		return SlotRecord{ChiefComplaint: strPtr("knee pain")}, nil
	}}
	d := newTestDispatcher(llm, nil, sch, nil)
	s := NewState()
	s.Phase = PhaseCollectMedical

	reply := d.HandleTurn(context.Background(), s, "my knee hurts")

	assert.Equal(t, PhaseConfirm, s.Phase)
	assert.Empty(t, s.MatchedProviders)
	assert.Contains(t, reply, "No providers available")
}

func TestSelectProviderThenTime(t *testing.T) {
	sch := &fakeScheduler{slots: []scheduling.Appointment{
		slotFixture("a1", "2026-09-10", "09:00"),
		slotFixture("a2", "2026-09-10", "14:30"),
	}}
	d := newTestDispatcher(nil, nil, sch, nil)
	s := NewState()
	s.Phase = PhaseSelectProvider
	s.MatchedProviders = []scheduling.Provider{
		providerFixture("p1", "Dr. Chen"),
		providerFixture("p2", "Dr. Okafor"),
	}

	d.HandleTurn(context.Background(), s, "number 2 please")
	assert.Equal(t, PhaseSelectTime, s.Phase)
	assert.Equal(t, "p2", s.SelectedProviderID)
	assert.Equal(t, "Dr. Okafor", s.SelectedProviderName)
	assert.Len(t, s.AvailableTimes, 2)

	d.HandleTurn(context.Background(), s, "option 1")
	assert.Equal(t, PhaseConfirm, s.Phase)
	assert.Equal(t, "a1", s.SelectedAppointmentID)
	assert.Equal(t, "2026-09-10", s.SelectedDate)
	assert.Equal(t, "09:00", s.SelectedTime)
}

func TestSelectProviderUnresolvedReprompts(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil, nil)
	s := NewState()
	s.Phase = PhaseSelectProvider
	s.MatchedProviders = []scheduling.Provider{providerFixture("p1", "Dr. Chen")}

	d.HandleTurn(context.Background(), s, "the nice one")

	assert.Equal(t, PhaseSelectProvider, s.Phase)
	assert.Empty(t, s.SelectedProviderID)
}

func TestConfirmBooksAppointment(t *testing.T) {
	dir := &fakeDirectory{}
	sch := &fakeScheduler{}
	d := newTestDispatcher(nil, dir, sch, nil)
	s := newConfirmReadyState()

	reply := d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseEnd, s.Phase)
	assert.Contains(t, reply, "booked")

	require.Len(t, dir.created, 1)
	assert.Equal(t, "new-patient", dir.created[0].ID)
	require.Len(t, dir.visits, 1)
	assert.Equal(t, "knee pain", dir.visits[0].ChiefComplaint)
	assert.Equal(t, []string{"a1"}, sch.booked)
}

func TestConfirmBookingConflictReoffersTimes(t *testing.T) {
	dir := &fakeDirectory{}
	sch := &fakeScheduler{
		bookErr: scheduling.ErrSlotUnavailable,
		slots: []scheduling.Appointment{
			slotFixture("a2", "2026-09-11", "10:00"),
			slotFixture("a3", "2026-09-11", "15:00"),
		},
	}
	d := newTestDispatcher(nil, dir, sch, nil)
	s := newConfirmReadyState()

	reply := d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseSelectTime, s.Phase, "a lost slot sends the patient back to time selection")
	assert.Contains(t, reply, "no longer available")
	assert.Empty(t, s.SelectedAppointmentID)
	assert.Len(t, s.AvailableTimes, 2)
	assert.Empty(t, sch.booked)

	// The patient and visit were saved before the booking raced.
	assert.Len(t, dir.created, 1)
	assert.Len(t, dir.visits, 1)

	// Picking a fresh slot and confirming books it without duplicating the
	// saved records.
	sch.bookErr = nil
	d.HandleTurn(context.Background(), s, "option 1")
	require.Equal(t, PhaseConfirm, s.Phase)
	assert.Equal(t, "a2", s.SelectedAppointmentID)

	reply = d.HandleTurn(context.Background(), s, "yes")
	assert.Equal(t, PhaseEnd, s.Phase)
	assert.Contains(t, reply, "booked")
	assert.Equal(t, []string{"a2"}, sch.booked)
	assert.Len(t, dir.created, 1, "retry must not create a second patient")
	assert.Len(t, dir.visits, 1, "retry must not create a second visit")
}

func TestConfirmBookingConflictWithNoOpenTimes(t *testing.T) {
	sch := &fakeScheduler{bookErr: scheduling.ErrSlotUnavailable}
	d := newTestDispatcher(nil, &fakeDirectory{}, sch, nil)
	s := newConfirmReadyState()

	reply := d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseConfirm, s.Phase, "a failed booking never ends the session")
	assert.Contains(t, reply, "no longer available")
	assert.Empty(t, sch.booked)
}

func TestConfirmRetryAfterSaveFailureDoesNotDuplicate(t *testing.T) {
	dir := &fakeDirectory{}
	sch := &fakeScheduler{bookErr: errors.New("db offline")}
	d := newTestDispatcher(nil, dir, sch, nil)
	s := newConfirmReadyState()

	d.HandleTurn(context.Background(), s, "yes")
	require.Equal(t, PhaseConfirm, s.Phase)
	require.Len(t, dir.created, 1)
	require.Len(t, dir.visits, 1)

	sch.bookErr = nil
	d.HandleTurn(context.Background(), s, "yes")

	assert.Equal(t, PhaseEnd, s.Phase)
	assert.Equal(t, []string{"a1"}, sch.booked)
	assert.Len(t, dir.created, 1, "second confirm updates the saved patient")
	assert.Len(t, dir.visits, 1, "second confirm reuses the saved visit")
	require.Len(t, dir.updates, 1)
	assert.Equal(t, []string{"new-patient"}, sch.bookedPatients)
}

func TestConfirmReturningPatientUpdatesRecord(t *testing.T) {
	dir := &fakeDirectory{}
	d := newTestDispatcher(nil, dir, nil, nil)
	s := newConfirmReadyState()
	s.IsReturning = true
	s.PatientID = "pt-1"

	d.HandleTurn(context.Background(), s, "yes")

	assert.Empty(t, dir.created)
	require.Len(t, dir.updates, 1)
	require.NotNil(t, dir.updates[0].FirstName)
	assert.Equal(t, "Dana", *dir.updates[0].FirstName)
}

func TestDegradedExtractorKeepsSessionAlive(t *testing.T) {
	llm := &fakeLLM{extractFn: func(string) (SlotRecord, error) {
		return SlotRecord{}, errors.New("model offline")
	}}
	d := newTestDispatcher(llm, nil, nil, nil)
	s := NewState()
	s.Phase = PhaseCollectPatient

	reply := d.HandleTurn(context.Background(), s, "I'm Dana")

	assert.Equal(t, PhaseCollectPatient, s.Phase)
	assert.NotEmpty(t, reply)
}

func TestResponderFailureFallsBackToFormattedData(t *testing.T) {
	llm := &fakeLLM{replyFn: func(ReplyRequest) (string, error) {
		return "", errors.New("model offline")
	}}
	sch := &fakeScheduler{slots: []scheduling.Appointment{slotFixture("a1", "2026-09-10", "09:00")}}
	d := newTestDispatcher(llm, nil, sch, nil)
	s := NewState()
	s.Phase = PhaseSelectProvider
	s.MatchedProviders = []scheduling.Provider{providerFixture("p1", "Dr. Chen")}

	reply := d.HandleTurn(context.Background(), s, "1")

	assert.Equal(t, PhaseSelectTime, s.Phase)
	assert.Contains(t, reply, "Option 1: 2026-09-10 at 09:00")
}

func newConfirmReadyState() *State {
	s := NewState()
	s.Phase = PhaseConfirm
	s.Slots.FirstName = strPtr("Dana")
	s.Slots.LastName = strPtr("Reyes")
	s.Slots.DateOfBirth = strPtr("1990-05-03")
	s.Slots.Phone = strPtr("5551234567")
	s.Slots.InsurancePayer = strPtr("Blue Shield")
	s.Slots.InsuranceMemberID = strPtr("BS1")
	fillAddress(s)
	s.setAddressValidated(true)
	s.Slots.ChiefComplaint = strPtr("knee pain")
	s.SelectedProviderID = "p1"
	s.SelectedProviderName = "Dr. Chen"
	s.SelectedAppointmentID = "a1"
	s.SelectedDate = "2026-09-10"
	s.SelectedTime = "09:00"
	return s
}
