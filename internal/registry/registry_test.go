package registry

import (
	"testing"
	"time"

	"chatrelay/internal/clock"
	apperrors "chatrelay/internal/errors"
	"chatrelay/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRegister(t *testing.T) {
	r := New(clock.NewFake(epoch))

	require.NoError(t, r.Register("c1", "alice"))
	require.NoError(t, r.Register("c2", "alice"))
	require.NoError(t, r.Register("c3", "bob"))

	uid, ok := r.UserID("c1")
	assert.True(t, ok)
	assert.Equal(t, "alice", uid)
	assert.Equal(t, []string{"c1", "c2"}, r.Connections("alice"))
	assert.Equal(t, 3, r.Count())

	assert.True(t, apperrors.Is(r.Register("", "x"), apperrors.ErrCodeInvalidInput))
	assert.True(t, apperrors.Is(r.Register("c4", ""), apperrors.ErrCodeInvalidInput))
}

func TestRecordSignal_DerivesState(t *testing.T) {
	r := New(clock.NewFake(epoch))
	require.NoError(t, r.Register("c1", "alice"))

	tests := []struct {
		signal protocol.SignalType
		want   ConnectionState
	}{
		{protocol.SignalOffer, StateInitiating},
		{protocol.SignalAnswer, StateConnected},
		{protocol.SignalCandidate, StateNegotiating},
	}
	for _, tt := range tests {
		t.Run(string(tt.signal), func(t *testing.T) {
			vs := r.RecordSignal("c1", tt.signal, true)
			assert.Equal(t, tt.want, vs.ConnectionState)
			assert.Equal(t, tt.signal, vs.LastSignalType)
			assert.Equal(t, "alice", vs.UserID)
			assert.True(t, vs.VideoEnabled)
		})
	}
}

func TestUpdateVideo_RequiresRegistration(t *testing.T) {
	r := New(clock.NewFake(epoch))

	_, err := r.UpdateVideo("ghost", true)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
}

func TestUpdateVideo_HistoryIsCapped(t *testing.T) {
	fake := clock.NewFake(epoch)
	r := New(fake)
	require.NoError(t, r.Register("c1", "alice"))

	var vs VideoState
	var err error
	for i := 0; i < 15; i++ {
		fake.Advance(time.Second)
		vs, err = r.UpdateVideo("c1", i%2 == 0)
		require.NoError(t, err)
	}

	assert.Len(t, vs.History, 10)
	assert.Equal(t, epoch.Add(6*time.Second), vs.History[0].Timestamp)
	assert.Equal(t, epoch.Add(15*time.Second), vs.History[9].Timestamp)
	assert.True(t, vs.VideoEnabled)
	assert.Equal(t, StateActive, vs.ConnectionState)

	vs, err = r.UpdateVideo("c1", false)
	require.NoError(t, err)
	assert.Equal(t, StateInactive, vs.ConnectionState)
}

func TestStates_ExcludesAndCopies(t *testing.T) {
	r := New(clock.NewFake(epoch))
	require.NoError(t, r.Register("c1", "alice"))
	require.NoError(t, r.Register("c2", "bob"))
	_, err := r.UpdateVideo("c1", true)
	require.NoError(t, err)
	_, err = r.UpdateVideo("c2", true)
	require.NoError(t, err)

	states := r.States("c2")
	require.Len(t, states, 1)
	assert.Equal(t, "c1", states[0].ConnID)
	assert.Equal(t, protocol.ParticipantVideo{UserID: "alice", VideoEnabled: true, ConnectionState: "active"}, states[0].Participant())

	states[0].History[0].Enabled = false
	fresh, ok := r.State("c1")
	require.True(t, ok)
	assert.True(t, fresh.History[0].Enabled, "callers get copies")
}

func TestRemove(t *testing.T) {
	r := New(clock.NewFake(epoch))
	require.NoError(t, r.Register("c1", "alice"))
	_, err := r.UpdateVideo("c1", true)
	require.NoError(t, err)

	uid, state := r.Remove("c1")
	assert.Equal(t, "alice", uid)
	require.NotNil(t, state)
	assert.True(t, state.VideoEnabled)

	_, ok := r.UserID("c1")
	assert.False(t, ok)
	_, ok = r.State("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())

	uid, state = r.Remove("c1")
	assert.Empty(t, uid)
	assert.Nil(t, state)
}

func TestNoteRetransmit_ResetByToggle(t *testing.T) {
	r := New(clock.NewFake(epoch))
	require.NoError(t, r.Register("c1", "alice"))

	assert.Equal(t, 0, r.NoteRetransmit("c1"), "no video state yet")

	r.RecordSignal("c1", protocol.SignalOffer, true)
	assert.Equal(t, 1, r.NoteRetransmit("c1"))
	assert.Equal(t, 2, r.NoteRetransmit("c1"))

	vs, err := r.UpdateVideo("c1", true)
	require.NoError(t, err)
	assert.Zero(t, vs.ReconnectAttempts)
}
