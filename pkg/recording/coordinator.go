package recording

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdrctf/challengectl/pkg/engine"
	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/log"
	"github.com/sdrctf/challengectl/pkg/metrics"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

const (
	// DefaultThreshold is the score above which a dispatch gets a
	// capture assignment.
	DefaultThreshold = 10.0

	// scoreClamp caps the priority score; a never-recorded challenge
	// scores exactly the clamp.
	scoreClamp = 1000.0

	// startSlack is how far in the future the receiver should expect
	// the transmission to begin.
	startSlack = 5 * time.Second

	// onlineWindow matches the heartbeat liveness threshold.
	onlineWindow = 90 * time.Second
)

// Coordinator decides, at dispatch time, whether a receiver should
// capture the transmission, and tracks the capture workflow the
// receiver reports back over REST.
type Coordinator struct {
	store     *storage.Store
	hub       *events.Hub
	threshold float64
	logger    zerolog.Logger
}

func NewCoordinator(store *storage.Store, hub *events.Hub, threshold float64) *Coordinator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Coordinator{
		store:     store,
		hub:       hub,
		threshold: threshold,
		logger:    log.WithComponent("recording"),
	}
}

// Score computes the capture priority for a challenge at dispatch time.
// n is transmissions since the last recording, m minutes since it; a
// challenge never recorded scores the clamp outright.
func Score(ch *types.Challenge, last *types.Recording, txSince int, now time.Time) float64 {
	if last == nil {
		return scoreClamp
	}
	minutes := now.Sub(last.CompletedAt).Minutes()
	score := float64(txSince) * min(10.0, minutes/60.0) * (float64(ch.Priority) / 10.0)
	if score > scoreClamp {
		return scoreClamp
	}
	return score
}

// EvaluateDispatch runs after the engine hands a challenge to a
// transmitter. When the score clears the threshold and a receiver is
// available, it creates a pending assignment row and pushes the
// directive to the receiver's room.
func (c *Coordinator) EvaluateDispatch(d *engine.Dispatch, now time.Time) (*types.RecordingAssignment, error) {
	var assignment *types.RecordingAssignment

	err := c.store.WithWrite(func(tx *storage.Tx) error {
		last, err := tx.LastRecording(d.Challenge.ID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}

		txSince := 0
		if last != nil {
			txSince, err = tx.CountTransmissionsSince(d.Challenge.ID, last.CompletedAt)
			if err != nil {
				return err
			}
		}

		score := Score(d.Challenge, last, txSince, now)
		if score < c.threshold {
			return nil
		}

		receiver, err := c.pickReceiver(tx, now)
		if err != nil {
			return err
		}
		if receiver == nil {
			c.logger.Debug().
				Str("challenge", d.Challenge.Name).
				Float64("score", score).
				Msg("No receiver available for capture")
			return nil
		}

		ra := &types.RecordingAssignment{
			AgentID:          receiver.ID,
			ChallengeID:      d.Challenge.ID,
			FrequencyHz:      d.FrequencyHz,
			AssignedAt:       now,
			ExpectedStart:    now.Add(startSlack),
			ExpectedDuration: expectedDuration(d.Challenge),
			Status:           types.RecordingAssignmentPending,
		}
		if err := tx.CreateRecordingAssignment(ra); err != nil {
			return err
		}

		assignment = ra
		c.logger.Info().
			Str("challenge", d.Challenge.Name).
			Str("receiver", receiver.ID).
			Float64("score", score).
			Int64("frequency_hz", d.FrequencyHz).
			Msg("Recording assignment created")
		return nil
	})
	if err != nil || assignment == nil {
		return nil, err
	}

	metrics.RecordingAssignmentsTotal.Inc()
	c.hub.ToAgent(assignment.AgentID, events.New(events.EventRecordingAssignment, map[string]any{
		"assignment_id":        assignment.ID,
		"challenge_id":         assignment.ChallengeID,
		"frequency_hz":         assignment.FrequencyHz,
		"expected_start":       assignment.ExpectedStart,
		"expected_duration_ms": assignment.ExpectedDuration.Milliseconds(),
	}))
	return assignment, nil
}

// pickReceiver returns the first enabled receiver that is online and
// holds an open push channel. Smarter selection (load, antenna fit) can
// slot in here later.
func (c *Coordinator) pickReceiver(tx *storage.Tx, now time.Time) (*types.Agent, error) {
	receivers, err := tx.ListAgentsByKind(types.AgentKindReceiver)
	if err != nil {
		return nil, err
	}
	for _, r := range receivers {
		if !r.Enabled || r.Status != types.AgentStatusOnline {
			continue
		}
		if now.Sub(r.LastHeartbeat) > onlineWindow {
			continue
		}
		if !c.hub.AgentConnected(r.ID) {
			continue
		}
		return r, nil
	}
	return nil, nil
}

// OnStarted marks an assignment as actively recording.
func (c *Coordinator) OnStarted(agentID string, assignmentID uint64, now time.Time) error {
	return c.store.WithWrite(func(tx *storage.Tx) error {
		ra, err := tx.GetRecordingAssignment(assignmentID)
		if err != nil {
			return err
		}
		if ra.AgentID != agentID {
			return fmt.Errorf("%w: assignment %d belongs to %s", storage.ErrConflict, assignmentID, ra.AgentID)
		}
		if ra.Status != types.RecordingAssignmentPending {
			return fmt.Errorf("%w: assignment %d is %s", storage.ErrConflict, assignmentID, ra.Status)
		}
		ra.Status = types.RecordingAssignmentRecording
		return tx.PutRecordingAssignment(ra)
	})
}

// CompletionReport is what a receiver uploads when a capture finishes.
type CompletionReport struct {
	ImageHash   string  `json:"image_hash,omitempty"`
	ImageWidth  int     `json:"image_width,omitempty"`
	ImageHeight int     `json:"image_height,omitempty"`
	SampleRate  int     `json:"sample_rate,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// OnCompleted closes out a successful capture and appends the
// historical recording row.
func (c *Coordinator) OnCompleted(agentID string, assignmentID uint64, report CompletionReport, now time.Time) error {
	err := c.store.WithWrite(func(tx *storage.Tx) error {
		ra, err := tx.GetRecordingAssignment(assignmentID)
		if err != nil {
			return err
		}
		if ra.AgentID != agentID {
			return fmt.Errorf("%w: assignment %d belongs to %s", storage.ErrConflict, assignmentID, ra.AgentID)
		}
		switch ra.Status {
		case types.RecordingAssignmentPending, types.RecordingAssignmentRecording:
		default:
			return fmt.Errorf("%w: assignment %d is %s", storage.ErrConflict, assignmentID, ra.Status)
		}

		ra.Status = types.RecordingAssignmentCompleted
		ra.CompletedAt = &now
		if err := tx.PutRecordingAssignment(ra); err != nil {
			return err
		}

		return tx.AppendRecording(&types.Recording{
			ChallengeID:    ra.ChallengeID,
			AgentID:        agentID,
			TransmissionID: ra.TransmissionID,
			FrequencyHz:    ra.FrequencyHz,
			StartedAt:      ra.ExpectedStart,
			CompletedAt:    now,
			Outcome:        types.OutcomeSuccess,
			ImagePath:      report.ImageHash,
			ImageWidth:     report.ImageWidth,
			ImageHeight:    report.ImageHeight,
			SampleRate:     report.SampleRate,
			DurationSec:    report.DurationSec,
		})
	})
	if err != nil {
		return err
	}
	metrics.RecordingsTotal.WithLabelValues(string(types.OutcomeSuccess)).Inc()
	return nil
}

// OnFailed closes out a capture the receiver could not make.
func (c *Coordinator) OnFailed(agentID string, assignmentID uint64, errText string, now time.Time) error {
	err := c.store.WithWrite(func(tx *storage.Tx) error {
		ra, err := tx.GetRecordingAssignment(assignmentID)
		if err != nil {
			return err
		}
		if ra.AgentID != agentID {
			return fmt.Errorf("%w: assignment %d belongs to %s", storage.ErrConflict, assignmentID, ra.AgentID)
		}
		ra.Status = types.RecordingAssignmentFailed
		ra.CompletedAt = &now
		if err := tx.PutRecordingAssignment(ra); err != nil {
			return err
		}

		return tx.AppendRecording(&types.Recording{
			ChallengeID:    ra.ChallengeID,
			AgentID:        agentID,
			TransmissionID: ra.TransmissionID,
			FrequencyHz:    ra.FrequencyHz,
			StartedAt:      ra.ExpectedStart,
			CompletedAt:    now,
			Outcome:        types.OutcomeFailure,
			Error:          errText,
		})
	})
	if err != nil {
		return err
	}
	metrics.RecordingsTotal.WithLabelValues(string(types.OutcomeFailure)).Inc()
	return nil
}

// CancelForChallenge cancels the pending assignment for a challenge
// whose transmission failed before the receiver started. The receiver
// is told over its room.
func (c *Coordinator) CancelForChallenge(challengeID string, now time.Time) error {
	var cancelled *types.RecordingAssignment

	err := c.store.WithWrite(func(tx *storage.Tx) error {
		ra, err := tx.PendingAssignmentForTransmission(challengeID)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil
			}
			return err
		}
		ra.Status = types.RecordingAssignmentCancelled
		ra.CancelledAt = &now
		if err := tx.PutRecordingAssignment(ra); err != nil {
			return err
		}
		cancelled = ra
		return nil
	})
	if err != nil || cancelled == nil {
		return err
	}

	c.logger.Info().
		Str("challenge_id", challengeID).
		Uint64("assignment_id", cancelled.ID).
		Msg("Recording assignment cancelled")
	c.hub.ToAgent(cancelled.AgentID, events.New(events.EventAssignmentCancelled, map[string]any{
		"assignment_id": cancelled.ID,
		"challenge_id":  challengeID,
	}))
	return nil
}

// expectedDuration estimates how long the transmission will run from
// the challenge's modulation parameters.
func expectedDuration(ch *types.Challenge) time.Duration {
	switch ch.Config.Modulation {
	case types.ModulationCW:
		// Morse at ~wpm words per minute; payloads are short flags.
		wpm := 20
		if ch.Config.CW != nil && ch.Config.CW.SpeedWPM > 0 {
			wpm = ch.Config.CW.SpeedWPM
		}
		chars := len(ch.Config.Payload)
		if chars == 0 {
			chars = 32
		}
		secs := float64(chars) / (float64(wpm) * 5.0 / 60.0)
		return time.Duration(secs * float64(time.Second))
	default:
		return 30 * time.Second
	}
}
