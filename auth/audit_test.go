package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldencompasses/lodge/storage"
	"github.com/goldencompasses/lodge/storage/memory"
)

func TestAuditRecordChains(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	clock := newFakeClock()
	log := NewAuditLog(repo, nil, clock.Now)

	var seen []storage.SecurityEvent
	log.AddObserver(ObserverFunc(func(e storage.SecurityEvent) { seen = append(seen, e) }))

	for _, kind := range []EventKind{EventLoginFailed, EventLoginSuccess, EventLogout} {
		require.NoError(t, log.Record(ctx, Event{Kind: kind, ClientIP: "198.51.100.7", IdentityID: "id-1"}))
	}

	events, err := log.List(ctx, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, storage.GenesisHash, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, "LOGOUT", events[2].Kind)
	assert.Less(t, events[0].ID, events[1].ID, "ids sort by creation")

	n, err := log.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, seen, 3)
	assert.Equal(t, events[2].Hash, seen[2].Hash)
}

type failingEvents struct{ storage.EventStore }

func (failingEvents) AppendEvent(context.Context, *storage.SecurityEvent) error {
	return errBackendDown
}

func TestAuditRecordFailureSkipsObservers(t *testing.T) {
	log := NewAuditLog(failingEvents{}, nil, nil)
	called := false
	log.AddObserver(ObserverFunc(func(storage.SecurityEvent) { called = true }))

	err := log.Record(context.Background(), Event{Kind: EventLoginFailed})
	assert.ErrorIs(t, err, errBackendDown)
	assert.False(t, called)
}

func TestParseEventKind(t *testing.T) {
	for _, k := range EventKinds() {
		got, ok := ParseEventKind(string(k))
		assert.True(t, ok)
		assert.Equal(t, k, got)
	}
	_, ok := ParseEventKind("login_success")
	assert.False(t, ok)
	assert.Len(t, EventKinds(), 20)
}
