// Package services hosts the broadcast engine: the ordered guard
// sequence every inbound event passes through before it reaches the
// live channels.
package services

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"emberchat/domain"
	"emberchat/domain/event"
	"emberchat/errors"
	"emberchat/guard"
	"emberchat/moderation"
	"emberchat/observability"
	"emberchat/registry"
	"emberchat/repositories"

	"github.com/google/uuid"
)

// Muted and rate-limited sends answer with the same copy so a muted
// party cannot tell moderation state from ordinary throttling.
const genericDenialCopy = "You are sending messages too quickly"

const genericFailureCopy = "Something went wrong, please try again"

const sponsoredLabel = "Sponsored"

// Shown when no sponsor-supplied insertion is active at cadence time.
var fallbackPromos = []string{
	"Enjoying EmberChat? Grab a handle before someone else does.",
	"Messages vanish in 15 minutes. Say it while it counts.",
	"Guardians keep this place tidy. Become one.",
}

// MessageStore is the slice of the message repository the engine needs.
type MessageStore interface {
	Create(content, sender, displayName string, promotional bool) (domain.Message, error)
	Recent(limit int) ([]domain.Message, error)
	Get(id uuid.UUID) (domain.Message, error)
	DeleteByID(id uuid.UUID) error
}

type PromoStore interface {
	Active() ([]domain.PromoInsertion, error)
}

type RecordStore interface {
	Get(kind repositories.RecordKind, key string) (domain.Record, bool, error)
}

type Settings struct {
	MaxContentLength int
	RecentLimit      int
	MuteDuration     time.Duration // applied when a mute command carries none
	SlowModeDuration time.Duration // applied when a slow_mode command carries none
	PromoCadence     int
}

type BroadcastService struct {
	log       *slog.Logger
	settings  Settings
	guard     *guard.Guard
	authority *moderation.Authority
	censor    *moderation.Censor
	messages  MessageStore
	promos    PromoStore
	records   RecordStore
	registry  *registry.Registry
	metrics   *observability.Metrics

	cadenceMu      sync.Mutex
	sinceLastPromo int
}

func NewBroadcastService(
	log *slog.Logger,
	settings Settings,
	g *guard.Guard,
	authority *moderation.Authority,
	censor *moderation.Censor,
	messages MessageStore,
	promos PromoStore,
	records RecordStore,
	reg *registry.Registry,
	metrics *observability.Metrics,
) *BroadcastService {
	return &BroadcastService{
		log:       log,
		settings:  settings,
		guard:     g,
		authority: authority,
		censor:    censor,
		messages:  messages,
		promos:    promos,
		records:   records,
		registry:  reg,
		metrics:   metrics,
	}
}

// HandleConnect replays recent history and the caller's guardian status
// on a freshly registered channel.
func (s *BroadcastService) HandleConnect(ch registry.Channel, identity string) {
	defer s.recoverToChannel(ch)

	messages, err := s.messages.Recent(s.settings.RecentLimit)
	if err != nil {
		s.log.Error("recent history read failed", "identity", identity, "error", err)
		messages = nil
	}
	s.sendTo(ch, event.InitialMessages(messages))
	s.sendTo(ch, event.GuardianStatus(s.authority.IsPrivileged(identity)))
}

// HandleSend runs one inbound message through the guard sequence:
// mute, rate, validate, censor, resolve display identity, persist,
// fan out, promotional cadence. Every denial goes to the sender only.
func (s *BroadcastService) HandleSend(ch registry.Channel, identity, accountKey, content string) {
	defer s.recoverToChannel(ch)

	if s.authority.IsMuted(identity) {
		s.metrics.Denials.WithLabelValues(observability.ReasonMuted).Inc()
		s.sendTo(ch, event.Error(genericDenialCopy))
		return
	}

	verdict := s.guard.CheckAndRecord(identity)
	if !verdict.Allowed {
		s.metrics.Denials.WithLabelValues(observability.ReasonRateLimited).Inc()
		if verdict.BlockedUntil != nil {
			s.sendTo(ch, event.BlockedError(genericDenialCopy, *verdict.BlockedUntil))
		} else {
			s.sendTo(ch, event.Error(genericDenialCopy))
		}
		return
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		s.metrics.Denials.WithLabelValues(observability.ReasonInvalid).Inc()
		s.sendTo(ch, event.Error("Message cannot be empty"))
		return
	}
	if utf8.RuneCountInString(trimmed) > s.settings.MaxContentLength {
		s.metrics.Denials.WithLabelValues(observability.ReasonInvalid).Inc()
		s.sendTo(ch, event.Error("Message is too long"))
		return
	}

	clean := s.censor.Apply(trimmed)
	display := s.displayName(identity, accountKey)

	message, err := s.messages.Create(clean, identity, display, false)
	if err != nil {
		s.log.Error("message persistence failed", "identity", identity, "error", err)
		s.sendTo(ch, event.Error(genericFailureCopy))
		return
	}

	s.registry.Broadcast(event.FromMessage(message))
	s.metrics.MessagesBroadcast.Inc()
	s.advanceCadence()
}

// HandleGuardianAction authorizes and applies a privileged command.
// Authorization is checked fresh on every call; grants lapse between
// actions.
func (s *BroadcastService) HandleGuardianAction(ch registry.Channel, identity, action, messageID string, duration time.Duration) {
	defer s.recoverToChannel(ch)

	if !s.authority.IsPrivileged(identity) {
		s.metrics.Denials.WithLabelValues(observability.ReasonUnauthorized).Inc()
		s.sendTo(ch, event.Error("Not authorized"))
		return
	}

	switch action {
	case domain.ActionMute:
		s.handleMute(ch, identity, messageID, duration)
	case domain.ActionDelete:
		s.handleDelete(ch, identity, messageID)
	case domain.ActionSlowMode:
		s.handleSlowMode(ch, identity, duration)
	default:
		s.sendTo(ch, event.Error("Unknown action"))
	}
}

// handleMute resolves the target message's sender identity, so guardians
// act on "whoever sent this" without knowing network-level identities.
func (s *BroadcastService) handleMute(ch registry.Channel, actor, messageID string, duration time.Duration) {
	id, err := uuid.Parse(messageID)
	if err != nil {
		s.sendTo(ch, event.Error("Unknown message"))
		return
	}
	target, err := s.messages.Get(id)
	if err != nil {
		if err == errors.ErrNotFound {
			s.sendTo(ch, event.Error("Unknown message"))
			return
		}
		s.log.Error("mute target lookup failed", "message_id", id, "error", err)
		s.sendTo(ch, event.Error(genericFailureCopy))
		return
	}
	if duration <= 0 {
		duration = s.settings.MuteDuration
	}
	if err := s.authority.MuteIdentity(actor, target.Sender, duration, &id); err != nil {
		s.log.Error("mute failed", "actor", actor, "error", err)
		s.sendTo(ch, event.Error(genericFailureCopy))
		return
	}
	s.registry.Broadcast(event.SystemMessage("A guardian muted a participant"))
}

func (s *BroadcastService) handleDelete(ch registry.Channel, actor, messageID string) {
	id, err := uuid.Parse(messageID)
	if err != nil {
		s.sendTo(ch, event.Error("Unknown message"))
		return
	}
	if _, err := s.messages.Get(id); err != nil {
		if err == errors.ErrNotFound {
			s.sendTo(ch, event.Error("Unknown message"))
			return
		}
		s.log.Error("delete target lookup failed", "message_id", id, "error", err)
		s.sendTo(ch, event.Error(genericFailureCopy))
		return
	}
	if err := s.authority.RecordAction(actor, domain.ActionDelete, "", &id); err != nil {
		s.log.Error("audit write failed, delete aborted", "actor", actor, "error", err)
		s.sendTo(ch, event.Error(genericFailureCopy))
		return
	}
	if err := s.messages.DeleteByID(id); err != nil && err != errors.ErrNotFound {
		s.log.Error("delete failed", "message_id", id, "error", err)
		s.sendTo(ch, event.Error(genericFailureCopy))
		return
	}
	s.registry.Broadcast(event.MessageDeleted(id))
}

func (s *BroadcastService) handleSlowMode(ch registry.Channel, actor string, duration time.Duration) {
	if duration <= 0 {
		duration = s.settings.SlowModeDuration
	}
	if err := s.authority.RecordAction(actor, domain.ActionSlowMode, "", nil); err != nil {
		s.log.Error("audit write failed, slow mode aborted", "actor", actor, "error", err)
		s.sendTo(ch, event.Error(genericFailureCopy))
		return
	}
	s.guard.EnableSlowMode(duration)
	s.registry.Broadcast(event.SystemMessage("Slow mode is on, take a breath between messages"))
}

// displayName resolves a live temporary handle, preferring the durable
// account key when the connection presented one. Rate limiting never
// uses this key; it stays on the network-origin identity.
func (s *BroadcastService) displayName(identity, accountKey string) string {
	key := identity
	if accountKey != "" {
		key = accountKey
	}
	record, ok, err := s.records.Get(repositories.KindHandle, key)
	if err != nil {
		s.log.Error("handle lookup failed", "key", key, "error", err)
	}
	if ok {
		return record.Value
	}
	return anonymousLabel(identity)
}

// advanceCadence counts accepted non-promotional broadcasts and injects
// one insertion each time the process-wide counter hits the cadence.
func (s *BroadcastService) advanceCadence() {
	s.cadenceMu.Lock()
	s.sinceLastPromo++
	due := s.sinceLastPromo >= s.settings.PromoCadence
	if due {
		s.sinceLastPromo = 0
	}
	s.cadenceMu.Unlock()
	if due {
		s.injectPromo()
	}
}

func (s *BroadcastService) injectPromo() {
	var text string
	active, err := s.promos.Active()
	if err != nil {
		s.log.Error("active promo read failed", "error", err)
	}
	if len(active) > 0 {
		text = active[rand.IntN(len(active))].Text
	} else {
		text = fallbackPromos[rand.IntN(len(fallbackPromos))]
	}

	message, err := s.messages.Create(text, "", sponsoredLabel, true)
	if err != nil {
		s.log.Error("promo persistence failed", "error", err)
		return
	}
	s.registry.Broadcast(event.FromMessage(message))
	s.metrics.PromoInsertions.Inc()
}

func (s *BroadcastService) sendTo(ch registry.Channel, e event.Event) {
	if err := ch.Send(e); err != nil {
		s.log.Debug("event to originating channel dropped", "error", err)
	}
}

// recoverToChannel keeps a panic local to the request that caused it:
// the originating channel gets a generic error, every other channel's
// registration survives.
func (s *BroadcastService) recoverToChannel(ch registry.Channel) {
	if r := recover(); r != nil {
		s.log.Error("engine recovered", "panic", r)
		s.sendTo(ch, event.Error(genericFailureCopy))
	}
}

// anonymousLabel is stable per identity so one sender keeps one guest
// name for the lifetime of the process and across reconnects.
func anonymousLabel(identity string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return fmt.Sprintf("Guest-%04d", h.Sum32()%10000)
}
