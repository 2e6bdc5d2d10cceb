package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glowdesk/concierge/pkg/booking"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/protocol"
	"github.com/glowdesk/concierge/pkg/resilience"
)

// fakeProvider records calls and lets tests script responses per operation.
type fakeProvider struct {
	searchCalls int
	createCalls int
	cancelCalls int
	findCalls   int

	searchFn func(booking.SearchRequest) ([]booking.Slot, error)
	createFn func(booking.CreateRequest, string) (*booking.Reservation, error)
	findFn   func(string) (*booking.Reservation, error)
}

func (f *fakeProvider) SearchAvailability(_ context.Context, _ string, req booking.SearchRequest) ([]booking.Slot, error) {
	f.searchCalls++
	if f.searchFn != nil {
		return f.searchFn(req)
	}
	return []booking.Slot{{Service: req.Service, Staff: "maria", Start: time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)}}, nil
}

func (f *fakeProvider) CreateReservation(_ context.Context, _ string, req booking.CreateRequest, key string) (*booking.Reservation, error) {
	f.createCalls++
	if f.createFn != nil {
		return f.createFn(req, key)
	}
	return &booking.Reservation{ID: "res-1", Service: req.Service, Status: "confirmed"}, nil
}

func (f *fakeProvider) CancelReservation(_ context.Context, _ string, _ booking.CancelRequest, _ string) error {
	f.cancelCalls++
	return nil
}

func (f *fakeProvider) ListOfferings(context.Context, string) ([]booking.Offering, error) {
	return []booking.Offering{{ID: "svc-1", Name: "haircut", DurationMin: 30}}, nil
}

func (f *fakeProvider) FindByKey(_ context.Context, _ string, key string) (*booking.Reservation, error) {
	f.findCalls++
	if f.findFn != nil {
		return f.findFn(key)
	}
	return nil, nil
}

func (f *fakeProvider) ListUpcoming(context.Context, string, time.Duration) ([]booking.Reservation, error) {
	return nil, nil
}

func newTestExecutor(provider booking.Provider) *Executor {
	calls := resilience.NewExecutor(
		resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		resilience.Breaker{FailureThreshold: 100, CoolDown: time.Second},
	)
	return New(BookingBindings(provider, "acme"), calls)
}

func testSender() domain.Sender {
	return domain.NewSender("acme", domain.ChannelTelegram, "42")
}

func invoke(name string, params ...protocol.Param) protocol.Invocation {
	return protocol.Invocation{Name: name, Params: params}
}

func TestExecutePreservesInvocationOrder(t *testing.T) {
	provider := &fakeProvider{}
	exec := newTestExecutor(provider)

	invs := []protocol.Invocation{
		invoke(CmdSearchSlots, protocol.Param{Key: "service", Value: "haircut"}, protocol.Param{Key: "date", Value: "tomorrow"}),
		invoke(CmdListServices),
		invoke(CmdSearchSlots, protocol.Param{Key: "service", Value: "manicure"}, protocol.Param{Key: "date", Value: "friday"}),
	}

	outcomes := exec.Execute(context.Background(), testSender(), "turn-1", invs)
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}
	for i, out := range outcomes {
		if out.Invocation.Name != invs[i].Name {
			t.Errorf("outcome[%d] = %s, want %s", i, out.Invocation.Name, invs[i].Name)
		}
		if out.Status != StatusSuccess {
			t.Errorf("outcome[%d] status = %s: %v", i, out.Status, out.Err)
		}
	}
	if provider.searchCalls != 2 {
		t.Errorf("searchCalls = %d, want 2", provider.searchCalls)
	}
}

func TestUnknownCommandIsSkippedWithoutAborting(t *testing.T) {
	provider := &fakeProvider{}
	exec := newTestExecutor(provider)

	outcomes := exec.Execute(context.Background(), testSender(), "turn-1", []protocol.Invocation{
		invoke("FROBNICATE"),
		invoke(CmdListServices),
	})

	if outcomes[0].Status != StatusSkipped {
		t.Errorf("unknown command status = %s, want skipped", outcomes[0].Status)
	}
	if outcomes[1].Status != StatusSuccess {
		t.Errorf("following command status = %s: %v", outcomes[1].Status, outcomes[1].Err)
	}
}

func TestMissingRequiredParamFailsBeforeProviderCall(t *testing.T) {
	provider := &fakeProvider{}
	exec := newTestExecutor(provider)

	outcomes := exec.Execute(context.Background(), testSender(), "turn-1", []protocol.Invocation{
		invoke(CmdSearchSlots, protocol.Param{Key: "service", Value: "haircut"}), // no date
	})

	out := outcomes[0]
	if out.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", out.Status)
	}
	if out.Class != resilience.ClassPermanent {
		t.Errorf("class = %s, want permanent", out.Class)
	}
	if provider.searchCalls != 0 {
		t.Errorf("provider was called %d times, want 0", provider.searchCalls)
	}
}

func TestDependentCommandSkippedAfterFailure(t *testing.T) {
	provider := &fakeProvider{
		searchFn: func(booking.SearchRequest) ([]booking.Slot, error) {
			return nil, resilience.Permanent(errors.New("service unknown"))
		},
	}
	exec := newTestExecutor(provider)

	outcomes := exec.Execute(context.Background(), testSender(), "turn-1", []protocol.Invocation{
		invoke(CmdSearchSlots, protocol.Param{Key: "service", Value: "haircut"}, protocol.Param{Key: "date", Value: "tomorrow"}),
		invoke(CmdCreateBooking,
			protocol.Param{Key: "service", Value: "haircut"},
			protocol.Param{Key: "date", Value: "tomorrow"},
			protocol.Param{Key: "time", Value: "14:00"}),
	})

	if outcomes[0].Status != StatusFailure {
		t.Fatalf("search status = %s, want failure", outcomes[0].Status)
	}
	if outcomes[1].Status != StatusSkipped {
		t.Errorf("create status = %s, want skipped", outcomes[1].Status)
	}
	if provider.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0", provider.createCalls)
	}
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	sender := testSender()
	inv := invoke(CmdCreateBooking,
		protocol.Param{Key: "service", Value: "haircut"},
		protocol.Param{Key: "date", Value: "2026-08-28"},
		protocol.Param{Key: "time", Value: "14:00"})

	a := IdempotencyKey(sender, "turn-1", inv)
	b := IdempotencyKey(sender, "turn-1", inv)
	if a != b {
		t.Errorf("same inputs gave %s and %s", a, b)
	}

	// Parameter order must not matter.
	reordered := invoke(CmdCreateBooking,
		protocol.Param{Key: "time", Value: "14:00"},
		protocol.Param{Key: "service", Value: "haircut"},
		protocol.Param{Key: "date", Value: "2026-08-28"})
	if got := IdempotencyKey(sender, "turn-1", reordered); got != a {
		t.Errorf("reordered params gave %s, want %s", got, a)
	}

	if other := IdempotencyKey(sender, "turn-2", inv); other == a {
		t.Error("different turn produced the same key")
	}
	otherSender := domain.NewSender("acme", domain.ChannelSlack, "42")
	if other := IdempotencyKey(otherSender, "turn-1", inv); other == a {
		t.Error("different sender produced the same key")
	}
}

func TestRetriedCreateChecksForExistingReservation(t *testing.T) {
	existing := &booking.Reservation{ID: "res-prior", Service: "haircut", Status: "confirmed"}
	provider := &fakeProvider{}
	provider.createFn = func(_ booking.CreateRequest, _ string) (*booking.Reservation, error) {
		// First attempt times out after the provider may have committed.
		return nil, context.DeadlineExceeded
	}
	provider.findFn = func(string) (*booking.Reservation, error) {
		return existing, nil
	}
	exec := newTestExecutor(provider)

	outcomes := exec.Execute(context.Background(), testSender(), "turn-1", []protocol.Invocation{
		invoke(CmdCreateBooking,
			protocol.Param{Key: "service", Value: "haircut"},
			protocol.Param{Key: "date", Value: "tomorrow"},
			protocol.Param{Key: "time", Value: "14:00"}),
	})

	out := outcomes[0]
	if out.Status != StatusSuccess {
		t.Fatalf("status = %s: %v", out.Status, out.Err)
	}
	res, ok := out.Payload.(*booking.Reservation)
	if !ok || res.ID != "res-prior" {
		t.Errorf("payload = %+v, want prior reservation", out.Payload)
	}
	if provider.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (retry resolved via lookup)", provider.createCalls)
	}
	if provider.findCalls != 1 {
		t.Errorf("findCalls = %d, want 1", provider.findCalls)
	}
}

func TestSideEffectingCommandsCarryKeys(t *testing.T) {
	var gotKey string
	provider := &fakeProvider{
		createFn: func(_ booking.CreateRequest, key string) (*booking.Reservation, error) {
			gotKey = key
			return &booking.Reservation{ID: "res-1", Service: "haircut", Status: "confirmed"}, nil
		},
	}
	exec := newTestExecutor(provider)

	exec.Execute(context.Background(), testSender(), "turn-1", []protocol.Invocation{
		invoke(CmdCreateBooking,
			protocol.Param{Key: "service", Value: "haircut"},
			protocol.Param{Key: "date", Value: "tomorrow"},
			protocol.Param{Key: "time", Value: "14:00"}),
	})

	if gotKey == "" {
		t.Error("create went out without an idempotency key")
	}
}
