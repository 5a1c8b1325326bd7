package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

const validConfig = `
listen: ":9443"
data_dir: /var/lib/challengectl
conference:
  name: ShmooCon
  start: "2026-01-16"
  stop: "2026-01-18"
  timezone: America/New_York
  daily_start: "09:00"
  daily_stop: "17:00"
ranges:
  - name: 2m
    min_hz: 144000000
    max_hz: 148000000
challenges:
  - name: cw-beacon
    priority: 5
    modulation: cw
    frequency: 146550000
    payload: "FLAG{morse}"
    min_delay: 60
    max_delay: 120
    cw:
      speed_wpm: 20
  - name: roaming-fm
    modulation: fm
    ranges: [2m]
    payload_file: voice.wav
    min_delay: 300
    max_delay: 600
    enabled: false
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Listen)
	assert.Equal(t, "/var/lib/challengectl/artifacts", cfg.StoreDir)
	assert.Equal(t, "info", cfg.LogLevel)
	require.Len(t, cfg.Challenges, 2)

	cw := cfg.Challenges[0]
	assert.Equal(t, int64(146_550_000), cw.Config.FrequencyHz)
	assert.Equal(t, 20, cw.Config.CW.SpeedWPM)
	assert.True(t, cw.IsEnabled())

	fm := cfg.Challenges[1]
	assert.Equal(t, []string{"2m"}, fm.Config.RangeNames)
	assert.False(t, fm.IsEnabled())

	assert.Equal(t, "2026-01-16", cfg.Conference.Start)
	assert.Equal(t, "2026-01-18", cfg.Conference.Stop)
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unparsable", "listen: [not closed"},
		{"tls key without cert", "tls_key: /etc/key.pem"},
		{
			"duplicate challenge names",
			`challenges:
  - name: dup
    modulation: cw
    frequency: 1000
  - name: dup
    modulation: cw
    frequency: 2000`,
		},
		{
			"unknown range reference",
			`challenges:
  - name: x
    modulation: cw
    ranges: [70cm]`,
		},
		{
			"inverted range",
			`ranges:
  - name: bad
    min_hz: 200
    max_hz: 100`,
		},
		{
			"inverted delay window",
			`challenges:
  - name: x
    modulation: cw
    frequency: 1000
    min_delay: 120
    max_delay: 60`,
		},
		{
			"bad timezone",
			`conference:
  timezone: Mars/Olympus`,
		},
		{
			"bad daily window format",
			`conference:
  daily_start: "9am"
  daily_stop: "17:00"`,
		},
		{
			"daily start without stop",
			`conference:
  daily_start: "09:00"`,
		},
		{
			"bad conference date",
			`conference:
  start: "Jan 16 2026"`,
		},
		{
			"conference stop before start",
			`conference:
  start: "2026-01-18"
  stop: "2026-01-16"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func putArtifact(t *testing.T, store *storage.Store, hash, filename string, now time.Time) {
	t.Helper()
	err := store.WithWrite(func(tx *storage.Tx) error {
		return tx.PutArtifact(&types.Artifact{
			Hash:      hash,
			Filename:  filename,
			Size:      4,
			MediaType: "audio/wav",
			CreatedAt: now,
		})
	})
	require.NoError(t, err)
}

func TestApplyAdditiveSync(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	now := time.Now().UTC()
	putArtifact(t, store, "cafe0001", "voice.wav", now)

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	require.NoError(t, Apply(cfg, store, now))

	var beaconID string
	err = store.WithRead(func(tx *storage.Tx) error {
		ch, err := tx.GetChallengeByName("cw-beacon")
		require.NoError(t, err)
		beaconID = ch.ID
		assert.Equal(t, types.ChallengeStatusQueued, ch.Status)
		assert.Equal(t, 5, ch.Priority)

		disabled, err := tx.GetChallengeByName("roaming-fm")
		require.NoError(t, err)
		assert.Equal(t, types.ChallengeStatusDisabled, disabled.Status)
		// The filename reference resolved to the artifact hash, so a
		// dispatch carries something the worker can download.
		assert.Equal(t, "cafe0001", disabled.Config.PayloadHash)

		st, err := tx.SystemState()
		require.NoError(t, err)
		assert.Equal(t, "America/New_York", st.Timezone)
		assert.Equal(t, "09:00", st.DailyStart)
		return nil
	})
	require.NoError(t, err)

	// Simulate runtime state between reloads.
	owner := "tx-1"
	assignedAt := now
	expiry := now.Add(5 * time.Minute)
	err = store.WithWrite(func(tx *storage.Tx) error {
		ch, err := tx.GetChallenge(beaconID)
		if err != nil {
			return err
		}
		ch.Status = types.ChallengeStatusAssigned
		ch.OwnerID = owner
		ch.AssignedAt = &assignedAt
		ch.AssignmentExpiry = &expiry
		return tx.PutChallenge(ch)
	})
	require.NoError(t, err)

	// Reload with a changed priority and a dropped challenge.
	cfg2, err := Load(writeConfig(t, `
ranges:
  - name: 2m
    min_hz: 144000000
    max_hz: 148000000
challenges:
  - name: cw-beacon
    priority: 9
    modulation: cw
    frequency: 146550000
    payload: "FLAG{morse}"
    min_delay: 60
    max_delay: 120
`))
	require.NoError(t, err)
	require.NoError(t, Apply(cfg2, store, now.Add(time.Hour)))

	err = store.WithRead(func(tx *storage.Tx) error {
		ch, err := tx.GetChallenge(beaconID)
		require.NoError(t, err)
		// Same row, new parameters, runtime state untouched.
		assert.Equal(t, 9, ch.Priority)
		assert.Equal(t, types.ChallengeStatusAssigned, ch.Status)
		assert.Equal(t, owner, ch.OwnerID)

		// Absent from the new file, but never deleted.
		_, err = tx.GetChallengeByName("roaming-fm")
		assert.NoError(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestApplyRejectsUnknownPayloadFile(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	now := time.Now().UTC()

	cfg, err := Load(writeConfig(t, `
challenges:
  - name: orphan
    modulation: fm
    frequency: 146550000
    payload_file: missing.wav
`))
	require.NoError(t, err)

	err = Apply(cfg, store, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.wav")

	// Nothing was created; the sync is all-or-nothing.
	err = store.WithRead(func(tx *storage.Tx) error {
		_, err := tx.GetChallengeByName("orphan")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}
