package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sdrctf/challengectl/pkg/log"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

// Apply syncs the configured challenges and the daily window into the
// store. The sync is additive: new names are created, existing names
// get their parameters updated, and nothing is ever deleted on reload.
func Apply(cfg *Config, store *storage.Store, now time.Time) error {
	logger := log.WithComponent("config")
	created, updated := 0, 0

	err := store.WithWrite(func(tx *storage.Tx) error {
		for i := range cfg.Challenges {
			spec := &cfg.Challenges[i]
			if err := tx.ResolvePayload(&spec.Config); err != nil {
				return fmt.Errorf("challenge %q: %w", spec.Name, err)
			}

			existing, err := tx.GetChallengeByName(spec.Name)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				status := types.ChallengeStatusQueued
				if !spec.IsEnabled() {
					status = types.ChallengeStatusDisabled
				}
				ch := &types.Challenge{
					ID:        uuid.New().String(),
					Name:      spec.Name,
					Config:    spec.Config,
					Status:    status,
					Priority:  spec.Priority,
					Enabled:   spec.IsEnabled(),
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.CreateChallenge(ch); err != nil {
					return err
				}
				created++
			case err != nil:
				return err
			default:
				// Parameters follow the file; runtime assignment state
				// is left alone.
				existing.Config = spec.Config
				existing.Priority = spec.Priority
				existing.UpdatedAt = now
				if err := tx.PutChallenge(existing); err != nil {
					return err
				}
				updated++
			}
		}

		st, err := tx.SystemState()
		if err != nil {
			return err
		}
		st.DailyStart = cfg.Conference.DailyStart
		st.DailyStop = cfg.Conference.DailyStop
		st.Timezone = cfg.Conference.Timezone
		return tx.PutSystemState(st)
	})
	if err != nil {
		return err
	}

	logger.Info().
		Int("created", created).
		Int("updated", updated).
		Msg("Challenge configuration applied")
	return nil
}
