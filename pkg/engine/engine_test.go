package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/freq"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog, err := freq.NewCatalog([]types.FreqRange{
		{Name: "2m", MinHz: 144_000_000, MaxHz: 148_000_000},
	})
	require.NoError(t, err)

	return New(store, catalog, events.NewHub()), store
}

func addAgent(t *testing.T, store *storage.Store, id string, limits []types.FreqRange) {
	t.Helper()
	err := store.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateAgent(&types.Agent{
			ID:      id,
			Kind:    types.AgentKindTransmitter,
			Status:  types.AgentStatusOnline,
			Enabled: true,
			Devices: []*types.Device{
				{ID: id + "-sdr0", Enabled: true, FreqLimits: limits},
			},
			LastHeartbeat: time.Now().UTC(),
			CreatedAt:     time.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func addChallenge(t *testing.T, store *storage.Store, ch *types.Challenge) {
	t.Helper()
	if ch.Status == "" {
		ch.Status = types.ChallengeStatusQueued
	}
	ch.Enabled = ch.Status != types.ChallengeStatusDisabled
	err := store.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateChallenge(ch)
	})
	require.NoError(t, err)
}

func getChallenge(t *testing.T, store *storage.Store, id string) *types.Challenge {
	t.Helper()
	var out *types.Challenge
	err := store.WithRead(func(tx *storage.Tx) error {
		ch, err := tx.GetChallenge(id)
		if err != nil {
			return err
		}
		out = ch
		return nil
	})
	require.NoError(t, err)
	return out
}

var limits2m = []types.FreqRange{{Name: "2m", MinHz: 144_000_000, MaxHz: 148_000_000}}

func TestPollAssignsExactlyOnce(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()

	addAgent(t, store, "agent-a", limits2m)
	addAgent(t, store, "agent-b", limits2m)
	addChallenge(t, store, &types.Challenge{
		ID: "c1", Name: "beacon",
		Config: types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 60, MaxDelay: 120},
	})

	first, err := eng.Poll("agent-a", now)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "c1", first.Challenge.ID)
	assert.Equal(t, int64(146_550_000), first.FrequencyHz)
	assert.Equal(t, now.Add(AssignmentTTL), first.ExpiresAt)

	// The second poll sees the challenge assigned and gets nothing.
	second, err := eng.Poll("agent-b", now)
	require.NoError(t, err)
	assert.Nil(t, second)

	ch := getChallenge(t, store, "c1")
	assert.Equal(t, types.ChallengeStatusAssigned, ch.Status)
	assert.Equal(t, "agent-a", ch.OwnerID)
	require.NotNil(t, ch.AssignmentExpiry)
}

func TestPollRespectsFrequencyLimits(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()

	// The agent can only transmit in the 70cm band.
	addAgent(t, store, "agent-70cm", []types.FreqRange{
		{Name: "70cm", MinHz: 420_000_000, MaxHz: 450_000_000},
	})
	addChallenge(t, store, &types.Challenge{
		ID: "c1", Name: "vhf-only",
		Config: types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 60, MaxDelay: 120},
	})

	d, err := eng.Poll("agent-70cm", now)
	require.NoError(t, err)
	assert.Nil(t, d)

	ch := getChallenge(t, store, "c1")
	assert.Equal(t, types.ChallengeStatusQueued, ch.Status)
}

func TestPollOrdering(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()
	earlier := now.Add(-2 * time.Hour)
	later := now.Add(-1 * time.Hour)

	addAgent(t, store, "agent-a", limits2m)

	// The hour-long delay keeps completed challenges out of the pool for
	// the rest of the test.
	cfg := types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 3600, MaxDelay: 3600}
	addChallenge(t, store, &types.Challenge{
		ID: "low-fresh", Name: "low-fresh", Priority: 0, Config: cfg,
	})
	addChallenge(t, store, &types.Challenge{
		ID: "high-stale", Name: "high-stale", Priority: 5, Config: cfg,
		Status: types.ChallengeStatusWaiting, LastTx: &earlier,
	})
	addChallenge(t, store, &types.Challenge{
		ID: "high-staler", Name: "high-staler", Priority: 5, Config: cfg,
		Status: types.ChallengeStatusWaiting, LastTx: &later,
	})
	addChallenge(t, store, &types.Challenge{
		ID: "high-fresh", Name: "high-fresh", Priority: 5, Config: cfg,
	})

	// Priority wins; within the same priority, never-transmitted sorts
	// first, then oldest last_tx.
	var got []string
	for i := 0; i < 4; i++ {
		d, err := eng.Poll("agent-a", now)
		require.NoError(t, err)
		require.NotNil(t, d)
		got = append(got, d.Challenge.ID)
		_, err = eng.Complete("agent-a", d.Challenge.ID, types.OutcomeSuccess, "", now)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"high-fresh", "high-stale", "high-staler", "low-fresh"}, got)
}

func TestCompleteTransitionsToWaiting(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()

	addAgent(t, store, "agent-a", limits2m)
	addChallenge(t, store, &types.Challenge{
		ID: "c1", Name: "beacon",
		Config: types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 60, MaxDelay: 120},
	})

	d, err := eng.Poll("agent-a", now)
	require.NoError(t, err)
	require.NotNil(t, d)

	done := now.Add(10 * time.Second)
	completion, err := eng.Complete("agent-a", "c1", types.OutcomeSuccess, "", done)
	require.NoError(t, err)
	assert.True(t, completion.OwnerMatched)
	assert.Equal(t, int64(146_550_000), completion.Transmission.FrequencyHz)

	ch := getChallenge(t, store, "c1")
	assert.Equal(t, types.ChallengeStatusWaiting, ch.Status)
	assert.Empty(t, ch.OwnerID)
	assert.Nil(t, ch.AssignmentExpiry)
	assert.Equal(t, int64(1), ch.TxCount)
	require.NotNil(t, ch.LastTx)
	assert.Equal(t, done, *ch.LastTx)
}

func TestDelayGatesReDispatch(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()

	addAgent(t, store, "agent-a", limits2m)
	addChallenge(t, store, &types.Challenge{
		ID: "c1", Name: "beacon",
		Config: types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 60, MaxDelay: 120},
	})

	d, err := eng.Poll("agent-a", now)
	require.NoError(t, err)
	require.NotNil(t, d)
	_, err = eng.Complete("agent-a", "c1", types.OutcomeSuccess, "", now)
	require.NoError(t, err)

	// Mean delay is 90s; 89s later the challenge is still waiting.
	d, err = eng.Poll("agent-a", now.Add(89*time.Second))
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = eng.Poll("agent-a", now.Add(90*time.Second))
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "c1", d.Challenge.ID)
}

// A late completion report from a superseded owner must not disturb the
// new assignment, and must not bump the counter.
func TestLateCompletionFromSupersededOwner(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()

	addAgent(t, store, "agent-a", limits2m)
	addAgent(t, store, "agent-b", limits2m)
	addChallenge(t, store, &types.Challenge{
		ID: "c1", Name: "beacon",
		Config: types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 0, MaxDelay: 0},
	})

	d, err := eng.Poll("agent-a", now)
	require.NoError(t, err)
	require.NotNil(t, d)

	// The assignment expires and the sweep hands it to agent-b.
	expiredAt := now.Add(AssignmentTTL + time.Second)
	ids, err := eng.ExpireStale(expiredAt)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	d, err = eng.Poll("agent-b", expiredAt)
	require.NoError(t, err)
	require.NotNil(t, d)

	// agent-a finally reports. Ownership and counter stay untouched.
	completion, err := eng.Complete("agent-a", "c1", types.OutcomeSuccess, "", expiredAt.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, completion.OwnerMatched)
	assert.Zero(t, completion.Transmission.FrequencyHz)

	ch := getChallenge(t, store, "c1")
	assert.Equal(t, types.ChallengeStatusAssigned, ch.Status)
	assert.Equal(t, "agent-b", ch.OwnerID)
	assert.Zero(t, ch.TxCount)

	// The historical record still exists.
	err = store.WithRead(func(tx *storage.Tx) error {
		list, err := tx.ListTransmissions("c1", "agent-a", 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestTrigger(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()
	lastTx := now.Add(-time.Minute)

	addChallenge(t, store, &types.Challenge{
		ID: "waiting", Name: "waiting", Status: types.ChallengeStatusWaiting, LastTx: &lastTx,
		Config: types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 3600, MaxDelay: 3600},
	})
	addChallenge(t, store, &types.Challenge{
		ID: "disabled", Name: "disabled", Status: types.ChallengeStatusDisabled,
		Config: types.ChallengeConfig{FrequencyHz: 146_550_000},
	})

	require.NoError(t, eng.Trigger("waiting", now))
	assert.Equal(t, types.ChallengeStatusQueued, getChallenge(t, store, "waiting").Status)

	err := eng.Trigger("disabled", now)
	assert.ErrorIs(t, err, storage.ErrInvariant)

	// Triggering an already-queued challenge is a no-op.
	require.NoError(t, eng.Trigger("waiting", now))
}

func TestDisableReleasesAssignment(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()

	addAgent(t, store, "agent-a", limits2m)
	addChallenge(t, store, &types.Challenge{
		ID: "c1", Name: "beacon",
		Config: types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 0, MaxDelay: 0},
	})

	d, err := eng.Poll("agent-a", now)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, eng.SetEnabled("c1", false, now))
	ch := getChallenge(t, store, "c1")
	assert.Equal(t, types.ChallengeStatusDisabled, ch.Status)
	assert.Empty(t, ch.OwnerID)
	assert.False(t, ch.Enabled)

	require.NoError(t, eng.SetEnabled("c1", true, now))
	assert.Equal(t, types.ChallengeStatusQueued, getChallenge(t, store, "c1").Status)
}

func TestRequeueOwnedBy(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()

	addAgent(t, store, "agent-a", limits2m)
	cfg := types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 0, MaxDelay: 0}
	addChallenge(t, store, &types.Challenge{ID: "c1", Name: "one", Config: cfg})
	addChallenge(t, store, &types.Challenge{ID: "c2", Name: "two", Config: cfg})

	d, err := eng.Poll("agent-a", now)
	require.NoError(t, err)
	require.NotNil(t, d)

	ids, err := eng.RequeueOwnedBy("agent-a", now)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	ch := getChallenge(t, store, ids[0])
	assert.Equal(t, types.ChallengeStatusQueued, ch.Status)
	assert.Empty(t, ch.OwnerID)
}

func TestPollWhilePaused(t *testing.T) {
	eng, store := newTestEngine(t)
	now := time.Now().UTC()

	addAgent(t, store, "agent-a", limits2m)
	addChallenge(t, store, &types.Challenge{
		ID: "c1", Name: "beacon",
		Config: types.ChallengeConfig{FrequencyHz: 146_550_000, MinDelay: 0, MaxDelay: 0},
	})

	err := store.WithWrite(func(tx *storage.Tx) error {
		st, err := tx.SystemState()
		if err != nil {
			return err
		}
		st.Paused = true
		return tx.PutSystemState(st)
	})
	require.NoError(t, err)

	d, err := eng.Poll("agent-a", now)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestWithinDailyWindow(t *testing.T) {
	at := func(hhmm string) time.Time {
		ts, err := time.Parse("2006-01-02 15:04", "2026-08-24 "+hhmm)
		require.NoError(t, err)
		return ts
	}

	tests := []struct {
		name  string
		start string
		stop  string
		now   time.Time
		want  bool
	}{
		{"no window", "", "", at("03:00"), true},
		{"inside", "09:00", "17:00", at("12:00"), true},
		{"before", "09:00", "17:00", at("08:59"), false},
		{"at stop", "09:00", "17:00", at("17:00"), false},
		{"crosses midnight inside", "22:00", "06:00", at("23:30"), true},
		{"crosses midnight early", "22:00", "06:00", at("05:00"), true},
		{"crosses midnight outside", "22:00", "06:00", at("12:00"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &types.SystemState{DailyStart: tt.start, DailyStop: tt.stop}
			assert.Equal(t, tt.want, withinDailyWindow(st, tt.now))
		})
	}
}
