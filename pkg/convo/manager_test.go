package convo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/profile"
)

// fakeKV is an in-memory ctxstore.Store with injectable failures.
type fakeKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet map[string]error
	failSet bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte), failGet: make(map[string]error)}
}

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failGet[key]; ok {
		return nil, false, err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return errors.New("store down")
	}
	f.data[key] = value
	return nil
}

func (f *fakeKV) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

// fakeProfiles is an in-memory profile.Store.
type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*profile.Profile
	err      error
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: make(map[string]*profile.Profile)}
}

func (f *fakeProfiles) Find(_ context.Context, sender domain.Sender) (*profile.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[sender.Key()]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return p, nil
}

func (f *fakeProfiles) Upsert(_ context.Context, p *profile.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.Sender.Key()] = p
	return nil
}

func testSender() domain.Sender {
	return domain.NewSender("acme", domain.ChannelTelegram, "42")
}

func newTestManager(kv *fakeKV, profiles *fakeProfiles) *Manager {
	return NewManager(kv, profiles, TTLs{
		Ephemeral: 10 * time.Minute,
		Dialog:    12 * time.Hour,
		Selection: 30 * time.Minute,
	}, 200*time.Millisecond, 4)
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name   string
		cc     ConversationContext
		field  string
		want   string
	}{
		{
			name: "selection masks dialog",
			cc: ConversationContext{
				Selection: &Selection{Service: "haircut"},
				Dialog:    &Dialog{Mentioned: Fields{FieldService: "massage"}},
			},
			field: FieldService,
			want:  "haircut",
		},
		{
			name: "ephemeral masks dialog",
			cc: ConversationContext{
				Ephemeral: &Ephemeral{Date: "tomorrow"},
				Dialog:    &Dialog{Mentioned: Fields{FieldDate: "friday"}},
			},
			field: FieldDate,
			want:  "tomorrow",
		},
		{
			name: "dialog masks profile",
			cc: ConversationContext{
				Dialog: &Dialog{Mentioned: Fields{FieldStaff: "maria"}},
				Profile: &profile.Profile{
					Preferences: map[string]string{FieldStaff: "alex"},
				},
			},
			field: FieldStaff,
			want:  "maria",
		},
		{
			name: "empty higher layer does not mask",
			cc: ConversationContext{
				Selection: &Selection{},
				Dialog:    &Dialog{Mentioned: Fields{FieldService: "massage"}},
			},
			field: FieldService,
			want:  "massage",
		},
		{
			name:  "all layers absent",
			cc:    ConversationContext{},
			field: FieldService,
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cc.Resolved()[tt.field]; got != tt.want {
				t.Errorf("Resolved()[%s] = %q, want %q", tt.field, got, tt.want)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	cc := ConversationContext{
		Selection: &Selection{Service: "haircut", Staff: "maria"},
		Ephemeral: &Ephemeral{Date: "tomorrow", Service: "massage"},
	}
	first := cc.Resolved()
	for i := 0; i < 10; i++ {
		again := cc.Resolved()
		for k, v := range first {
			if again[k] != v {
				t.Fatalf("iteration %d: %s = %q, want %q", i, k, again[k], v)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoadRoundTrip(t *testing.T) {
	kv := newFakeKV()
	profiles := newFakeProfiles()
	m := newTestManager(kv, profiles)
	ctx := context.Background()
	sender := testSender()

	profiles.Upsert(ctx, &profile.Profile{Sender: sender, DisplayName: "Dana"})

	err := m.Commit(ctx, sender, Patch{
		AppendDialog: []DialogTurn{
			{Role: domain.RoleUser, Text: "Hi", At: time.Now()},
		},
		Ephemeral: &Ephemeral{LastQuestion: "Which day suits you?", Service: "haircut"},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	cc := m.Load(ctx, sender)
	if cc.Ephemeral == nil || cc.Ephemeral.LastQuestion != "Which day suits you?" {
		t.Errorf("ephemeral = %+v", cc.Ephemeral)
	}
	if cc.Dialog == nil || len(cc.Dialog.Turns) != 1 {
		t.Errorf("dialog = %+v", cc.Dialog)
	}
	if cc.Profile == nil || cc.Profile.DisplayName != "Dana" {
		t.Errorf("profile = %+v", cc.Profile)
	}
	if cc.Selection != nil {
		t.Errorf("selection should be absent, got %+v", cc.Selection)
	}
}

func TestLoadDegradesOnLayerFailure(t *testing.T) {
	kv := newFakeKV()
	profiles := newFakeProfiles()
	m := newTestManager(kv, profiles)
	sender := testSender()

	kv.failGet[fmt.Sprintf("ctx:%s:%s", LayerEphemeral, sender.Key())] = errors.New("cache down")
	profiles.err = errors.New("db unreachable")

	cc := m.Load(context.Background(), sender)
	if cc.Ephemeral != nil {
		t.Error("failed layer should degrade to nil")
	}
	if cc.Profile != nil {
		t.Error("failed profile lookup should degrade to nil")
	}
	// A degraded load still resolves.
	if fields := cc.Resolved(); fields == nil {
		t.Error("Resolved() returned nil")
	}
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

func TestCommitDialogWindowCap(t *testing.T) {
	kv := newFakeKV()
	m := newTestManager(kv, newFakeProfiles())
	ctx := context.Background()
	sender := testSender()

	for i := 0; i < 6; i++ {
		err := m.Commit(ctx, sender, Patch{
			AppendDialog: []DialogTurn{
				{Role: domain.RoleUser, Text: fmt.Sprintf("msg-%d", i), At: time.Now()},
			},
		})
		if err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}

	cc := m.Load(ctx, sender)
	if cc.Dialog == nil {
		t.Fatal("dialog missing")
	}
	if len(cc.Dialog.Turns) != 4 {
		t.Fatalf("window = %d turns, want 4", len(cc.Dialog.Turns))
	}
	if cc.Dialog.Turns[0].Text != "msg-2" || cc.Dialog.Turns[3].Text != "msg-5" {
		t.Errorf("window contents wrong: %+v", cc.Dialog.Turns)
	}
}

func TestCommitSelectionRequiresConfirmation(t *testing.T) {
	kv := newFakeKV()
	m := newTestManager(kv, newFakeProfiles())
	ctx := context.Background()
	sender := testSender()

	err := m.Commit(ctx, sender, Patch{
		Selection: &Selection{Service: "haircut", Date: "2026-08-28", Time: "14:00"},
	})
	if !errors.Is(err, ErrSelectionNotConfirmed) {
		t.Fatalf("err = %v, want ErrSelectionNotConfirmed", err)
	}
	if cc := m.Load(ctx, sender); cc.Selection != nil {
		t.Error("unconfirmed selection must not be written")
	}

	err = m.Commit(ctx, sender, Patch{
		Selection:          &Selection{Service: "haircut", Date: "2026-08-28", Time: "14:00", ConfirmedAt: time.Now()},
		SelectionConfirmed: true,
	})
	if err != nil {
		t.Fatalf("confirmed commit: %v", err)
	}
	cc := m.Load(ctx, sender)
	if cc.Selection == nil || cc.Selection.Service != "haircut" {
		t.Errorf("selection = %+v", cc.Selection)
	}
}

func TestCommitDialogAttemptedDespiteOtherFailures(t *testing.T) {
	kv := newFakeKV()
	m := newTestManager(kv, newFakeProfiles())
	ctx := context.Background()
	sender := testSender()

	// Selection without confirmation fails, dialog still lands.
	err := m.Commit(ctx, sender, Patch{
		AppendDialog: []DialogTurn{{Role: domain.RoleUser, Text: "book me in", At: time.Now()}},
		Selection:    &Selection{Service: "haircut"},
	})
	if err == nil {
		t.Fatal("expected error from unconfirmed selection")
	}

	cc := m.Load(ctx, sender)
	if cc.Dialog == nil || len(cc.Dialog.Turns) != 1 {
		t.Errorf("dialog append lost: %+v", cc.Dialog)
	}
}
