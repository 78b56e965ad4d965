package services

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"emberchat/domain"
	"emberchat/domain/event"
	"emberchat/guard"
	"emberchat/moderation"
	"emberchat/observability"
	"emberchat/registry"
	"emberchat/repositories"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	events []event.Event
}

func (c *fakeChannel) Send(e event.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *fakeChannel) ofType(t event.Type) []event.Event {
	var out []event.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc        *BroadcastService
	registry   *registry.Registry
	messages   *repositories.MessageRepository
	records    *repositories.RecordRepository
	promos     *repositories.PromoRepository
	moderation *repositories.ModerationRepository
	authority  *moderation.Authority
	guard      *guard.Guard
}

func defaultPolicy() guard.Policy {
	return guard.Policy{
		MinGap:        5 * time.Second,
		WindowReset:   10 * time.Second,
		BurstLimit:    5,
		BlockDuration: 5 * time.Minute,
	}
}

func newFixture(t *testing.T, policy guard.Policy) *fixture {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := slog.Default()
	messages := repositories.NewMessageRepository(db, log, 15*time.Minute)
	records := repositories.NewRecordRepository(db, log)
	promos := repositories.NewPromoRepository(db, log)
	moderationRepo := repositories.NewModerationRepository(db, log)
	authority := moderation.NewAuthority(moderationRepo, log)
	censor, err := moderation.NewCensor([]string{"darn"}, '*')
	require.NoError(t, err)
	g := guard.New(policy, 10*time.Second, log)
	reg := registry.New(log)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	settings := Settings{
		MaxContentLength: 100,
		RecentLimit:      50,
		MuteDuration:     10 * time.Minute,
		SlowModeDuration: 5 * time.Minute,
		PromoCadence:     20,
	}
	svc := NewBroadcastService(log, settings, g, authority, censor, messages, promos, records, reg, metrics)
	return &fixture{
		svc:        svc,
		registry:   reg,
		messages:   messages,
		records:    records,
		promos:     promos,
		moderation: moderationRepo,
		authority:  authority,
		guard:      g,
	}
}

func Test_Accepted_Send_Reaches_Everyone_Including_Sender(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	sender := &fakeChannel{}
	other := &fakeChannel{}
	f.registry.Register(sender, "1.2.3.4")
	f.registry.Register(other, "5.6.7.8")

	f.svc.HandleSend(sender, "1.2.3.4", "", "hello there")

	req.Len(sender.ofType(event.TypeMessage), 1)
	req.Len(other.ofType(event.TypeMessage), 1)
	payload := sender.ofType(event.TypeMessage)[0].Data.(event.MessagePayload)
	req.Equal("hello there", payload.Content)
	req.False(payload.Promotional)
}

func Test_Too_Fast_Send_Denied_And_Not_Persisted(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	sender := &fakeChannel{}
	f.registry.Register(sender, "1.2.3.4")

	f.svc.HandleSend(sender, "1.2.3.4", "", "first")
	f.svc.HandleSend(sender, "1.2.3.4", "", "second, too fast")

	req.Len(sender.ofType(event.TypeMessage), 1)
	req.Len(sender.ofType(event.TypeError), 1)

	recent, err := f.messages.Recent(10)
	req.NoError(err)
	req.Len(recent, 1)
	req.Equal("first", recent[0].Content)
}

func Test_Validation_Rejects_Empty_And_Oversized(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	a := &fakeChannel{}
	b := &fakeChannel{}
	f.registry.Register(a, "1.2.3.4")
	f.registry.Register(b, "5.6.7.8")

	f.svc.HandleSend(a, "1.2.3.4", "", "   \t  ")
	long := make([]byte, 0, 101)
	for i := 0; i < 101; i++ {
		long = append(long, 'x')
	}
	f.svc.HandleSend(b, "5.6.7.8", "", string(long))

	req.Len(a.ofType(event.TypeError), 1)
	req.Len(b.ofType(event.TypeError), 1)
	req.Empty(a.ofType(event.TypeMessage))

	recent, err := f.messages.Recent(10)
	req.NoError(err)
	req.Empty(recent)
}

func Test_Censor_Applied_Before_Persistence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	sender := &fakeChannel{}
	f.registry.Register(sender, "1.2.3.4")

	f.svc.HandleSend(sender, "1.2.3.4", "", "well darn")

	recent, err := f.messages.Recent(10)
	req.NoError(err)
	req.Len(recent, 1)
	req.Equal("well ****", recent[0].Content)
}

func Test_Display_Identity_Prefers_Live_Handle(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	withHandle := &fakeChannel{}
	anonymous := &fakeChannel{}
	f.registry.Register(withHandle, "1.2.3.4")
	f.registry.Register(anonymous, "5.6.7.8")

	_, err := f.records.Reserve(repositories.KindHandle, "acct-42", "NeonRider", time.Hour)
	req.NoError(err)

	f.svc.HandleSend(withHandle, "1.2.3.4", "acct-42", "with a handle")
	f.svc.HandleSend(anonymous, "5.6.7.8", "", "anonymous")

	recent, err := f.messages.Recent(10)
	req.NoError(err)
	req.Len(recent, 2)
	req.Equal("NeonRider", recent[1].DisplayName)
	req.Contains(recent[0].DisplayName, "Guest-")
}

func Test_Muted_Identity_Denied_With_Generic_Copy(t *testing.T) {
	req := require.New(t)
	// MinGap zero so the post-mute send is not rate limited.
	policy := defaultPolicy()
	policy.MinGap = 0
	f := newFixture(t, policy)

	alice := &fakeChannel{}
	guardianCh := &fakeChannel{}
	f.registry.Register(alice, "1.2.3.4")
	f.registry.Register(guardianCh, "9.9.9.9")

	f.svc.HandleSend(alice, "1.2.3.4", "", "something mutable")
	recent, err := f.messages.Recent(1)
	req.NoError(err)
	req.Len(recent, 1)

	_, err = f.authority.Grant("9.9.9.9", time.Hour, "pay_123")
	req.NoError(err)
	f.svc.HandleGuardianAction(guardianCh, "9.9.9.9", domain.ActionMute, recent[0].ID.String(), 50*time.Millisecond)

	// Everyone sees the system notification.
	req.Len(alice.ofType(event.TypeSystemMessage), 1)

	f.svc.HandleSend(alice, "1.2.3.4", "", "while muted")
	errs := alice.ofType(event.TypeError)
	req.Len(errs, 1)
	// The copy must not reveal moderation state.
	req.Equal("You are sending messages too quickly", errs[0].Data.(event.ErrorPayload).Message)

	time.Sleep(60 * time.Millisecond)
	f.svc.HandleSend(alice, "1.2.3.4", "", "after the mute lapsed")
	req.Len(alice.ofType(event.TypeMessage), 2) // own sends echoed back
}

func Test_Unprivileged_Delete_No_Audit_No_Broadcast(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	actor := &fakeChannel{}
	observer := &fakeChannel{}
	f.registry.Register(actor, "1.2.3.4")
	f.registry.Register(observer, "5.6.7.8")

	m, err := f.messages.Create("target", "5.6.7.8", "Bob", false)
	req.NoError(err)

	f.svc.HandleGuardianAction(actor, "1.2.3.4", domain.ActionDelete, m.ID.String(), 0)

	req.Len(actor.ofType(event.TypeError), 1)
	req.Empty(observer.ofType(event.TypeMessageDeleted))

	entries, err := f.moderation.AuditEntries(10)
	req.NoError(err)
	req.Empty(entries)

	recent, err := f.messages.Recent(10)
	req.NoError(err)
	req.Len(recent, 1)
}

func Test_Privileged_Delete_Removes_And_Broadcasts_Once(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	guardianCh := &fakeChannel{}
	observer := &fakeChannel{}
	f.registry.Register(guardianCh, "9.9.9.9")
	f.registry.Register(observer, "5.6.7.8")

	m, err := f.messages.Create("disposable", "5.6.7.8", "Bob", false)
	req.NoError(err)
	_, err = f.authority.Grant("9.9.9.9", time.Hour, "pay_123")
	req.NoError(err)

	f.svc.HandleGuardianAction(guardianCh, "9.9.9.9", domain.ActionDelete, m.ID.String(), 0)

	req.Len(guardianCh.ofType(event.TypeMessageDeleted), 1)
	req.Len(observer.ofType(event.TypeMessageDeleted), 1)
	deleted := observer.ofType(event.TypeMessageDeleted)[0].Data.(event.DeletedPayload)
	req.Equal(m.ID.String(), deleted.MessageID)

	recent, err := f.messages.Recent(10)
	req.NoError(err)
	req.Empty(recent)

	entries, err := f.moderation.AuditEntries(10)
	req.NoError(err)
	req.Len(entries, 1)
	req.Equal(domain.ActionDelete, entries[0].Action)
	req.Equal(m.ID, *entries[0].MessageID)
}

func Test_Slow_Mode_Audited_And_Announced(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	guardianCh := &fakeChannel{}
	f.registry.Register(guardianCh, "9.9.9.9")

	_, err := f.authority.Grant("9.9.9.9", time.Hour, "pay_123")
	req.NoError(err)

	f.svc.HandleGuardianAction(guardianCh, "9.9.9.9", domain.ActionSlowMode, "", time.Minute)

	req.True(f.guard.SlowModeActive())
	req.Len(guardianCh.ofType(event.TypeSystemMessage), 1)

	entries, err := f.moderation.AuditEntries(10)
	req.NoError(err)
	req.Len(entries, 1)
	req.Equal(domain.ActionSlowMode, entries[0].Action)
}

func Test_Exactly_One_Promo_Every_Twenty_Accepted_Sends(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	observer := &fakeChannel{}
	f.registry.Register(observer, "watcher")

	// Twenty accepted sends from twenty identities: the cadence counts
	// globally, not per sender.
	for i := 0; i < 20; i++ {
		ch := &fakeChannel{}
		identity := fmt.Sprintf("10.0.0.%d", i)
		f.registry.Register(ch, identity)
		f.svc.HandleSend(ch, identity, "", fmt.Sprintf("message %d", i))
		f.registry.Unregister(ch)
	}

	var promos, ordinary int
	for _, e := range observer.ofType(event.TypeMessage) {
		if e.Data.(event.MessagePayload).Promotional {
			promos++
		} else {
			ordinary++
		}
	}
	req.Equal(20, ordinary)
	req.Equal(1, promos)

	// The insertion is persisted like any message, so late joiners see it.
	recent, err := f.messages.Recent(50)
	req.NoError(err)
	req.Len(recent, 21)
	req.True(recent[0].Promotional)
}

func Test_Active_Insertion_Preferred_Over_Fallback(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	observer := &fakeChannel{}
	f.registry.Register(observer, "watcher")

	_, err := f.promos.Add("Sponsor of the week", time.Hour)
	req.NoError(err)

	for i := 0; i < 20; i++ {
		ch := &fakeChannel{}
		identity := fmt.Sprintf("10.0.0.%d", i)
		f.registry.Register(ch, identity)
		f.svc.HandleSend(ch, identity, "", "hi")
		f.registry.Unregister(ch)
	}

	var promoText string
	for _, e := range observer.ofType(event.TypeMessage) {
		payload := e.Data.(event.MessagePayload)
		if payload.Promotional {
			promoText = payload.Content
		}
	}
	req.Equal("Sponsor of the week", promoText)
}

func Test_Connect_Replays_History_And_Guardian_Status(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())

	_, err := f.messages.Create("already here", "5.6.7.8", "Bob", false)
	req.NoError(err)
	_, err = f.authority.Grant("9.9.9.9", time.Hour, "pay_123")
	req.NoError(err)

	guardianCh := &fakeChannel{}
	f.svc.HandleConnect(guardianCh, "9.9.9.9")

	initial := guardianCh.ofType(event.TypeInitialMessages)
	req.Len(initial, 1)
	req.Len(initial[0].Data.([]event.MessagePayload), 1)

	status := guardianCh.ofType(event.TypeGuardianStatus)
	req.Len(status, 1)
	req.True(status[0].Data.(event.GuardianStatusPayload).IsGuardian)

	plainCh := &fakeChannel{}
	f.svc.HandleConnect(plainCh, "1.2.3.4")
	req.False(plainCh.ofType(event.TypeGuardianStatus)[0].Data.(event.GuardianStatusPayload).IsGuardian)
}

// failingStore simulates a broken persistence layer.
type failingStore struct{}

func (failingStore) Create(string, string, string, bool) (domain.Message, error) {
	return domain.Message{}, fmt.Errorf("disk on fire")
}
func (failingStore) Recent(int) ([]domain.Message, error) { return nil, fmt.Errorf("disk on fire") }
func (failingStore) Get(uuid.UUID) (domain.Message, error) {
	return domain.Message{}, fmt.Errorf("disk on fire")
}
func (failingStore) DeleteByID(uuid.UUID) error { return fmt.Errorf("disk on fire") }

func Test_Persistence_Failure_Degrades_To_Error_For_Sender_Only(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultPolicy())
	f.svc.messages = failingStore{}

	sender := &fakeChannel{}
	other := &fakeChannel{}
	f.registry.Register(sender, "1.2.3.4")
	f.registry.Register(other, "5.6.7.8")

	f.svc.HandleSend(sender, "1.2.3.4", "", "doomed")

	req.Len(sender.ofType(event.TypeError), 1)
	req.Empty(other.events)
	req.Equal(2, f.registry.Size())
}
