package sqldb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	store, err := NewSQLite("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCall(t *testing.T, store *Store, sid string) *domain.CallRecord {
	t.Helper()
	call := &domain.CallRecord{CallSID: sid, CustomerID: "cust-1", OrganizationID: "org-1"}
	if err := store.CreateCall(context.Background(), call); err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}
	return call
}

func TestSQLDBStore_UpsertAndResolveCustomer(t *testing.T) {
	store := newTestStore(t, "memdb1")
	ctx := context.Background()

	c := &domain.Customer{
		Phone:        "+15551234567",
		Name:         "Jordan Smith",
		AccountLast4: "4321",
		PostalCode:   "94107",
		Balance:      domain.MoneyFromDollars(5000),
		DaysOverdue:  120,
		ExtraData:    map[string]string{"portfolio": "a"},
	}
	if err := store.UpsertCustomer(ctx, c); err != nil {
		t.Fatalf("UpsertCustomer() error = %v", err)
	}
	firstID := c.ID

	got, err := store.ResolveCustomer(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("ResolveCustomer() error = %v", err)
	}
	if got.Name != "Jordan Smith" || got.Balance != 500000 || got.AccountLast4 != "4321" {
		t.Errorf("ResolveCustomer() = %+v", got)
	}
	if got.ExtraData["portfolio"] != "a" {
		t.Errorf("ExtraData = %v, want portfolio=a", got.ExtraData)
	}

	// Same phone updates in place and keeps the id.
	update := &domain.Customer{Phone: c.Phone, Name: "Jordan Smith", AccountLast4: "4321", PostalCode: "94107", Balance: 100}
	if err := store.UpsertCustomer(ctx, update); err != nil {
		t.Fatalf("UpsertCustomer() error = %v", err)
	}
	if update.ID != firstID {
		t.Errorf("ID = %v, want %v", update.ID, firstID)
	}
	got, err = store.GetCustomer(ctx, firstID)
	if err != nil {
		t.Fatalf("GetCustomer() error = %v", err)
	}
	if got.Balance != 100 {
		t.Errorf("Balance = %v, want 100", got.Balance)
	}

	if _, err := store.ResolveCustomer(ctx, "+10000000000"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("ResolveCustomer(unknown) error = %v, want ErrRecordNotFound", err)
	}
}

func TestSQLDBStore_CallLifecycle(t *testing.T) {
	store := newTestStore(t, "memdb2")
	ctx := context.Background()

	call := seedCall(t, store, "CA100")
	if call.State != domain.StateRinging || call.Status != domain.CallStatusInitiated {
		t.Errorf("defaults = %v/%v", call.State, call.Status)
	}

	dup := &domain.CallRecord{CallSID: "CA100"}
	if err := store.CreateCall(ctx, dup); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("CreateCall(duplicate) error = %v, want ErrDuplicate", err)
	}

	if err := store.UpdateCallStatus(ctx, "CA100", domain.CallStatusCompleted, 95); err != nil {
		t.Fatalf("UpdateCallStatus() error = %v", err)
	}

	ended := time.Now()
	err := store.UpdateCallOutcome(ctx, call.ID, domain.CallOutcomeUpdate{
		State:     domain.StateArrangementRecorded,
		Ended:     true,
		EndedAt:   ended,
		Outcome:   domain.OutcomePaymentArranged,
		EndReason: domain.EndReasonTelephonyHangup,
	})
	if err != nil {
		t.Fatalf("UpdateCallOutcome() error = %v", err)
	}

	got, err := store.GetCallBySID(ctx, "CA100")
	if err != nil {
		t.Fatalf("GetCallBySID() error = %v", err)
	}
	if got.Status != domain.CallStatusCompleted || got.DurationSeconds != 95 {
		t.Errorf("status = %v/%v, want completed/95", got.Status, got.DurationSeconds)
	}
	if !got.Ended || got.State != domain.StateArrangementRecorded {
		t.Errorf("ended/state = %v/%v", got.Ended, got.State)
	}
	if got.Outcome != domain.OutcomePaymentArranged || got.EndReason != domain.EndReasonTelephonyHangup {
		t.Errorf("outcome/reason = %v/%v", got.Outcome, got.EndReason)
	}
	if got.EndedAt == nil {
		t.Errorf("EndedAt = nil, want set")
	}

	if err := store.UpdateCallOutcome(ctx, "missing", domain.CallOutcomeUpdate{}); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("UpdateCallOutcome(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestSQLDBStore_ListCalls(t *testing.T) {
	store := newTestStore(t, "memdb3")
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).UTC()
	for i, sid := range []string{"CA1", "CA2", "CA3"} {
		call := &domain.CallRecord{
			CallSID:        sid,
			CustomerID:     "cust-1",
			OrganizationID: "org-1",
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if sid == "CA3" {
			call.CustomerID = "cust-2"
		}
		if err := store.CreateCall(ctx, call); err != nil {
			t.Fatalf("CreateCall() error = %v", err)
		}
	}

	calls, err := store.ListCalls(ctx, ports.ListOptions{OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("ListCalls() error = %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("len(calls) = %d, want 3", len(calls))
	}
	if calls[0].CallSID != "CA3" {
		t.Errorf("first call = %v, want newest CA3", calls[0].CallSID)
	}

	calls, err = store.ListCalls(ctx, ports.ListOptions{CustomerID: "cust-1", Limit: 1})
	if err != nil {
		t.Fatalf("ListCalls() error = %v", err)
	}
	if len(calls) != 1 || calls[0].CallSID != "CA2" {
		t.Errorf("ListCalls(cust-1, limit 1) = %v", calls)
	}
}

func TestSQLDBStore_TranscriptOrderingAndDuplicates(t *testing.T) {
	store := newTestStore(t, "memdb4")
	ctx := context.Background()
	call := seedCall(t, store, "CA200")

	entries := []domain.TranscriptEntry{
		{Sequence: 2, Type: domain.EntrySpeechTurn, Speaker: domain.SpeakerCustomer, Text: "hello", TokenCount: 1},
		{Sequence: 1, Type: domain.EntryLifecycle, Event: domain.LifecycleCallStarted, Payload: []byte(`{"from":"+1555"}`)},
		{Sequence: 3, Type: domain.EntryToolResult, ToolName: domain.ToolVerifyAccount, Invocation: &domain.ToolInvocationRecord{
			ToolName: domain.ToolVerifyAccount, Success: true, Message: "ok", InvocationSequence: 2,
		}},
	}
	for i := range entries {
		entries[i].Timestamp = time.Now()
		if err := store.AppendTranscriptEntry(ctx, call.ID, &entries[i]); err != nil {
			t.Fatalf("AppendTranscriptEntry() error = %v", err)
		}
	}

	// Replaying a sequence is ignored.
	replay := domain.TranscriptEntry{Sequence: 2, Type: domain.EntrySpeechTurn, Text: "changed", Timestamp: time.Now()}
	if err := store.AppendTranscriptEntry(ctx, call.ID, &replay); err != nil {
		t.Fatalf("AppendTranscriptEntry(replay) error = %v", err)
	}

	got, err := store.ListTranscript(ctx, call.ID)
	if err != nil {
		t.Fatalf("ListTranscript() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(got))
	}
	for i, e := range got {
		if e.Sequence != int64(i+1) {
			t.Errorf("entries[%d].Sequence = %d, want %d", i, e.Sequence, i+1)
		}
	}
	if got[1].Text != "hello" {
		t.Errorf("Text = %q, want hello", got[1].Text)
	}
	if string(got[0].Payload) != `{"from":"+1555"}` {
		t.Errorf("Payload = %s", got[0].Payload)
	}
	if got[2].Invocation == nil || got[2].Invocation.InvocationSequence != 2 {
		t.Errorf("Invocation = %+v", got[2].Invocation)
	}
}

func TestSQLDBStore_RecordArrangementIdempotent(t *testing.T) {
	store := newTestStore(t, "memdb5")
	ctx := context.Background()
	call := seedCall(t, store, "CA300")

	first := &domain.Arrangement{
		CallID:     call.ID,
		CustomerID: "cust-1",
		OptionID:   domain.OptionSettlement,
		Method:     domain.MethodSMSLink,
		Amount:     350000,
	}
	stored, created, err := store.RecordArrangement(ctx, first)
	if err != nil {
		t.Fatalf("RecordArrangement() error = %v", err)
	}
	if !created {
		t.Errorf("created = false, want true")
	}

	again := &domain.Arrangement{
		CallID:     call.ID,
		CustomerID: "cust-1",
		OptionID:   domain.OptionSettlement,
		Method:     domain.MethodSMSLink,
		Amount:     350000,
	}
	dup, created, err := store.RecordArrangement(ctx, again)
	if err != nil {
		t.Fatalf("RecordArrangement(again) error = %v", err)
	}
	if created {
		t.Errorf("created = true on replay, want false")
	}
	if dup.ID != stored.ID {
		t.Errorf("replay ID = %v, want %v", dup.ID, stored.ID)
	}

	list, err := store.ListArrangements(ctx, call.ID)
	if err != nil {
		t.Fatalf("ListArrangements() error = %v", err)
	}
	if len(list) != 1 || list[0].Amount != 350000 {
		t.Errorf("ListArrangements() = %+v", list)
	}
}
