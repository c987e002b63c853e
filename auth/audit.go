package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/goldencompasses/lodge/storage"
)

// EventKind identifies the type of security-relevant action being logged.
type EventKind string

const (
	EventLoginSuccess           EventKind = "LOGIN_SUCCESS"
	EventLoginFailed            EventKind = "LOGIN_FAILED"
	EventRateLimitExceeded      EventKind = "RATE_LIMIT_EXCEEDED"
	EventTwoFactorRequired      EventKind = "2FA_REQUIRED"
	EventTwoFactorSetupRequired EventKind = "2FA_SETUP_REQUIRED"
	EventTwoFactorVerifySuccess EventKind = "2FA_VERIFY_SUCCESS"
	EventTwoFactorVerifyFailed  EventKind = "2FA_VERIFY_FAILED"
	EventTwoFactorSetup         EventKind = "2FA_SETUP"
	EventTwoFactorEnabled       EventKind = "2FA_ENABLED"
	EventTwoFactorEnableFailed  EventKind = "2FA_ENABLE_FAILED"
	EventTwoFactorDisabled      EventKind = "2FA_DISABLED"
	EventBackupCodesRegenerated EventKind = "2FA_BACKUP_CODES_REGENERATED"
	EventLogout                 EventKind = "LOGOUT"
	EventSessionInvalid         EventKind = "SESSION_INVALID"
	EventSessionsRevoked        EventKind = "SESSIONS_REVOKED"
	EventAccessDenied           EventKind = "ACCESS_DENIED"
	EventDownloadGranted        EventKind = "DOWNLOAD_GRANTED"
	EventIdentityCreated        EventKind = "IDENTITY_CREATED"
	EventIdentityUpdated        EventKind = "IDENTITY_UPDATED"
	EventIdentityDeleted        EventKind = "IDENTITY_DELETED"
)

// EventKinds returns the closed set of kinds in declaration order.
func EventKinds() []EventKind {
	return []EventKind{
		EventLoginSuccess, EventLoginFailed, EventRateLimitExceeded,
		EventTwoFactorRequired, EventTwoFactorSetupRequired,
		EventTwoFactorVerifySuccess, EventTwoFactorVerifyFailed,
		EventTwoFactorSetup, EventTwoFactorEnabled, EventTwoFactorEnableFailed,
		EventTwoFactorDisabled, EventBackupCodesRegenerated,
		EventLogout, EventSessionInvalid, EventSessionsRevoked,
		EventAccessDenied, EventDownloadGranted,
		EventIdentityCreated, EventIdentityUpdated, EventIdentityDeleted,
	}
}

// ParseEventKind validates s against the closed set.
func ParseEventKind(s string) (EventKind, bool) {
	for _, k := range EventKinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Event is what components hand to the audit log.
type Event struct {
	Kind       EventKind
	ClientIP   string
	IdentityID string
	Detail     string
}

// Observer is notified after an event has been durably appended.
type Observer interface {
	ObserveEvent(e storage.SecurityEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e storage.SecurityEvent)

func (f ObserverFunc) ObserveEvent(e storage.SecurityEvent) { f(e) }

// AuditLog appends hash-chained security events and mirrors them to slog.
type AuditLog struct {
	store  storage.EventStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	observers []Observer

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

func NewAuditLog(store storage.EventStore, logger *slog.Logger, now func() time.Time) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &AuditLog{
		store:   store,
		logger:  logger.With("component", "audit"),
		now:     now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// AddObserver registers o for every subsequently recorded event.
func (a *AuditLog) AddObserver(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

func (a *AuditLog) newID(at time.Time) (string, error) {
	a.entropyMu.Lock()
	defer a.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), a.entropy)
	if err != nil {
		return "", fmt.Errorf("generating event id: %w", err)
	}
	return id.String(), nil
}

// Record appends e. The error is non-nil only when the event could not be
// persisted, in which case the caller must fail the request.
func (a *AuditLog) Record(ctx context.Context, e Event) error {
	now := a.now().UTC()
	id, err := a.newID(now)
	if err != nil {
		return err
	}
	se := storage.SecurityEvent{
		ID:         id,
		Timestamp:  now,
		ClientIP:   e.ClientIP,
		Kind:       string(e.Kind),
		IdentityID: e.IdentityID,
		Detail:     e.Detail,
	}
	if err := a.store.AppendEvent(ctx, &se); err != nil {
		a.logger.ErrorContext(ctx, "audit append failed", "event", string(e.Kind), "error", err)
		return fmt.Errorf("recording %s: %w", e.Kind, err)
	}

	a.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event", se.Kind),
		slog.String("event_id", se.ID),
		slog.Uint64("seq", se.Seq),
		slog.String("client_ip", se.ClientIP),
		slog.String("identity_id", se.IdentityID),
		slog.String("detail", se.Detail),
	)

	a.mu.RLock()
	observers := a.observers
	a.mu.RUnlock()
	for _, o := range observers {
		o.ObserveEvent(se)
	}
	return nil
}

func (a *AuditLog) List(ctx context.Context, filter storage.EventFilter) ([]storage.SecurityEvent, error) {
	return a.store.ListEvents(ctx, filter)
}

// Verify walks the complete log and checks the hash chain.
func (a *AuditLog) Verify(ctx context.Context) (int, error) {
	events, err := a.store.ListEvents(ctx, storage.EventFilter{})
	if err != nil {
		return 0, err
	}
	return len(events), storage.VerifyChain(events)
}
