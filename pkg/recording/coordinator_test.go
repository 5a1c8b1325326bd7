package recording

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrctf/challengectl/pkg/engine"
	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.Store, *events.Hub) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := events.NewHub()
	return NewCoordinator(store, hub, DefaultThreshold), store, hub
}

// connectAgent opens a real websocket into the agent's room so the
// coordinator sees the push channel as live.
func connectAgent(t *testing.T, hub *events.Hub, agentID string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Join(conn, events.AgentRoom(agentID))
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	require.Eventually(t, func() bool { return hub.AgentConnected(agentID) },
		time.Second, 10*time.Millisecond)
}

func addReceiver(t *testing.T, store *storage.Store, id string, now time.Time) {
	t.Helper()
	err := store.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateAgent(&types.Agent{
			ID:            id,
			Kind:          types.AgentKindReceiver,
			Status:        types.AgentStatusOnline,
			Enabled:       true,
			LastHeartbeat: now,
			CreatedAt:     now,
		})
	})
	require.NoError(t, err)
}

func testDispatch(ch *types.Challenge) *engine.Dispatch {
	return &engine.Dispatch{Challenge: ch, FrequencyHz: 146_550_000}
}

func TestScore(t *testing.T) {
	now := time.Now().UTC()
	rec := func(minutesAgo float64) *types.Recording {
		return &types.Recording{CompletedAt: now.Add(-time.Duration(minutesAgo * float64(time.Minute)))}
	}

	tests := []struct {
		name     string
		priority int
		last     *types.Recording
		txSince  int
		want     float64
	}{
		{"never recorded", 5, nil, 0, 1000},
		{"recent and quiet", 10, rec(30), 2, 1.0},   // 2 × 0.5 × 1.0
		{"busy challenge", 10, rec(30), 30, 15.0},   // 30 × 0.5 × 1.0
		{"age factor capped", 10, rec(6000), 1, 10}, // min(10, 100) = 10
		{"low priority scales down", 1, rec(60), 100, 10.0},
		{"clamped", 10, rec(600), 10000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &types.Challenge{Priority: tt.priority}
			assert.InDelta(t, tt.want, Score(ch, tt.last, tt.txSince, now), 0.001)
		})
	}
}

func TestEvaluateDispatchBelowThreshold(t *testing.T) {
	c, store, hub := newTestCoordinator(t)
	now := time.Now().UTC()
	addReceiver(t, store, "rx-1", now)
	connectAgent(t, hub, "rx-1")

	ch := &types.Challenge{ID: "c1", Name: "beacon", Priority: 10,
		Status: types.ChallengeStatusQueued, Enabled: true}
	err := store.WithWrite(func(tx *storage.Tx) error {
		if err := tx.CreateChallenge(ch); err != nil {
			return err
		}
		// Recorded half an hour ago with little traffic since: score 1.0.
		if err := tx.AppendRecording(&types.Recording{
			ChallengeID: "c1", AgentID: "rx-1",
			CompletedAt: now.Add(-30 * time.Minute), Outcome: types.OutcomeSuccess,
		}); err != nil {
			return err
		}
		return tx.AppendTransmission(&types.Transmission{
			ChallengeID: "c1", AgentID: "tx-1",
			CompletedAt: now.Add(-10 * time.Minute), Outcome: types.OutcomeSuccess,
		})
	})
	require.NoError(t, err)

	ra, err := c.EvaluateDispatch(testDispatch(ch), now)
	require.NoError(t, err)
	assert.Nil(t, ra)
}

func TestEvaluateDispatchAssignsNeverRecorded(t *testing.T) {
	c, store, hub := newTestCoordinator(t)
	now := time.Now().UTC()
	addReceiver(t, store, "rx-1", now)
	connectAgent(t, hub, "rx-1")

	ch := &types.Challenge{ID: "c1", Name: "beacon", Priority: 1,
		Status: types.ChallengeStatusQueued, Enabled: true}
	err := store.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateChallenge(ch)
	})
	require.NoError(t, err)

	ra, err := c.EvaluateDispatch(testDispatch(ch), now)
	require.NoError(t, err)
	require.NotNil(t, ra)
	assert.Equal(t, "rx-1", ra.AgentID)
	assert.Equal(t, int64(146_550_000), ra.FrequencyHz)
	assert.Equal(t, types.RecordingAssignmentPending, ra.Status)
	assert.Equal(t, now.Add(startSlack), ra.ExpectedStart)
	assert.NotZero(t, ra.ID)
}

func TestEvaluateDispatchNoReceiver(t *testing.T) {
	c, store, hub := newTestCoordinator(t)
	now := time.Now().UTC()

	// Online but with no live push channel.
	addReceiver(t, store, "rx-silent", now)
	// Connected but heartbeat long gone.
	addReceiver(t, store, "rx-stale", now.Add(-5*time.Minute))
	connectAgent(t, hub, "rx-stale")

	ch := &types.Challenge{ID: "c1", Name: "beacon", Priority: 10,
		Status: types.ChallengeStatusQueued, Enabled: true}
	err := store.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateChallenge(ch)
	})
	require.NoError(t, err)

	ra, err := c.EvaluateDispatch(testDispatch(ch), now)
	require.NoError(t, err)
	assert.Nil(t, ra)
}

func TestAssignmentLifecycle(t *testing.T) {
	c, store, hub := newTestCoordinator(t)
	now := time.Now().UTC()
	addReceiver(t, store, "rx-1", now)
	connectAgent(t, hub, "rx-1")

	ch := &types.Challenge{ID: "c1", Name: "beacon", Priority: 10,
		Status: types.ChallengeStatusQueued, Enabled: true}
	require.NoError(t, store.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateChallenge(ch)
	}))

	ra, err := c.EvaluateDispatch(testDispatch(ch), now)
	require.NoError(t, err)
	require.NotNil(t, ra)

	// Only the assigned receiver may report.
	err = c.OnStarted("rx-other", ra.ID, now)
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, c.OnStarted("rx-1", ra.ID, now))
	// Starting twice is rejected.
	err = c.OnStarted("rx-1", ra.ID, now)
	assert.ErrorIs(t, err, storage.ErrConflict)

	done := now.Add(30 * time.Second)
	require.NoError(t, c.OnCompleted("rx-1", ra.ID, CompletionReport{
		ImageHash: "deadbeef", ImageWidth: 1024, ImageHeight: 512,
		SampleRate: 2_000_000, DurationSec: 12.5,
	}, done))

	err = store.WithRead(func(tx *storage.Tx) error {
		got, err := tx.GetRecordingAssignment(ra.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RecordingAssignmentCompleted, got.Status)

		last, err := tx.LastRecording("c1")
		require.NoError(t, err)
		assert.Equal(t, "deadbeef", last.ImagePath)
		assert.Equal(t, types.OutcomeSuccess, last.Outcome)
		assert.Equal(t, done, last.CompletedAt)
		return nil
	})
	require.NoError(t, err)

	// A fresh recording pushes the score back under the threshold.
	ra2, err := c.EvaluateDispatch(testDispatch(ch), done.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, ra2)
}

func TestOnFailedRecordsFailure(t *testing.T) {
	c, store, hub := newTestCoordinator(t)
	now := time.Now().UTC()
	addReceiver(t, store, "rx-1", now)
	connectAgent(t, hub, "rx-1")

	ch := &types.Challenge{ID: "c1", Name: "beacon", Priority: 10,
		Status: types.ChallengeStatusQueued, Enabled: true}
	require.NoError(t, store.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateChallenge(ch)
	}))

	ra, err := c.EvaluateDispatch(testDispatch(ch), now)
	require.NoError(t, err)
	require.NotNil(t, ra)

	require.NoError(t, c.OnFailed("rx-1", ra.ID, "usb overflow", now))

	err = store.WithRead(func(tx *storage.Tx) error {
		got, err := tx.GetRecordingAssignment(ra.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RecordingAssignmentFailed, got.Status)

		last, err := tx.LastRecording("c1")
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeFailure, last.Outcome)
		assert.Equal(t, "usb overflow", last.Error)
		return nil
	})
	require.NoError(t, err)
}

func TestCancelForChallenge(t *testing.T) {
	c, store, hub := newTestCoordinator(t)
	now := time.Now().UTC()
	addReceiver(t, store, "rx-1", now)
	connectAgent(t, hub, "rx-1")

	ch := &types.Challenge{ID: "c1", Name: "beacon", Priority: 10,
		Status: types.ChallengeStatusQueued, Enabled: true}
	require.NoError(t, store.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateChallenge(ch)
	}))

	ra, err := c.EvaluateDispatch(testDispatch(ch), now)
	require.NoError(t, err)
	require.NotNil(t, ra)

	require.NoError(t, c.CancelForChallenge("c1", now))

	err = store.WithRead(func(tx *storage.Tx) error {
		got, err := tx.GetRecordingAssignment(ra.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RecordingAssignmentCancelled, got.Status)
		require.NotNil(t, got.CancelledAt)
		return nil
	})
	require.NoError(t, err)

	// Nothing pending: cancelling again is a quiet no-op.
	assert.NoError(t, c.CancelForChallenge("c1", now))
}

func TestExpectedDuration(t *testing.T) {
	cw := &types.Challenge{Config: types.ChallengeConfig{
		Modulation: types.ModulationCW,
		Payload:    strings.Repeat("x", 50),
		CW:         &types.CWParams{SpeedWPM: 20},
	}}
	// 50 chars at 20 wpm ≈ 30s.
	assert.InDelta(t, 30, expectedDuration(cw).Seconds(), 0.5)

	fm := &types.Challenge{Config: types.ChallengeConfig{Modulation: types.ModulationFM}}
	assert.Equal(t, 30*time.Second, expectedDuration(fm))
}
