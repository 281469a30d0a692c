package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var received []*Event
	bus.Subscribe(SnapshotStored, func(event *Event) {
		received = append(received, event)
	})

	bus.Emit(SnapshotStored, "collector", map[string]interface{}{"snapshot_id": "s1"})
	bus.Emit(AnalysisStored, "analyzer", map[string]interface{}{"analysis_id": "a1"})

	require.Len(t, received, 1, "only the subscribed type is delivered")
	assert.Equal(t, SnapshotStored, received[0].Type)
	assert.Equal(t, "collector", received[0].Module)
	assert.Equal(t, "s1", received[0].Data["snapshot_id"])
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	first, second := 0, 0
	bus.Subscribe(OutcomeRecorded, func(*Event) { first++ })
	bus.Subscribe(OutcomeRecorded, func(*Event) { second++ })

	bus.Emit(OutcomeRecorded, "outcomes", nil)

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	kept, dropped := 0, 0
	bus.Subscribe(SnapshotStored, func(*Event) { kept++ })
	unsubscribe := bus.Subscribe(SnapshotStored, func(*Event) { dropped++ })

	bus.Emit(SnapshotStored, "collector", nil)
	unsubscribe()
	bus.Emit(SnapshotStored, "collector", nil)

	assert.Equal(t, 2, kept, "other subscribers survive an unsubscribe")
	assert.Equal(t, 1, dropped)

	// Unsubscribing twice is harmless.
	unsubscribe()
	bus.Emit(SnapshotStored, "collector", nil)
	assert.Equal(t, 3, kept)
}

func TestManagerEmitTyped(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	manager := NewManager(bus, zerolog.Nop())

	var received *Event
	bus.Subscribe(SnapshotStored, func(event *Event) {
		received = event
	})

	manager.EmitTyped("collector", &SnapshotStoredData{
		SnapshotID: "s1",
		GameID:     "g1",
		Hash:       "abc123",
		Deduped:    true,
	})

	require.NotNil(t, received)
	assert.Equal(t, "s1", received.Data["snapshot_id"])
	assert.Equal(t, "g1", received.Data["game_id"])
	assert.Equal(t, "abc123", received.Data["hash"])
	assert.Equal(t, true, received.Data["deduped"])
}

func TestManagerEmitError(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	manager := NewManager(bus, zerolog.Nop())

	var received *Event
	bus.Subscribe(ErrorOccurred, func(event *Event) {
		received = event
	})

	manager.EmitError("collector", assert.AnError, map[string]interface{}{"game_id": "g1"})

	require.NotNil(t, received)
	assert.Equal(t, assert.AnError.Error(), received.Data["error"])
}

func TestAllEventTypesCoversEveryConstant(t *testing.T) {
	seen := map[EventType]bool{}
	for _, et := range AllEventTypes {
		assert.False(t, seen[et], "duplicate event type %s", et)
		seen[et] = true
	}
	assert.True(t, seen[SnapshotStored])
	assert.True(t, seen[ProposalStatusChanged])
}
