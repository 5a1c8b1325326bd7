package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sdrctf/challengectl/pkg/types"
)

// AppendTransmission assigns the next sequence id and appends the record.
// Transmission history is append-only.
func (tx *Tx) AppendTransmission(t *types.Transmission) error {
	b := tx.btx.Bucket(bucketTransmissions)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	t.ID = seq
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Put(itob(seq), data)
}

// ListTransmissions returns the most recent transmissions, newest first,
// optionally filtered by challenge and agent. limit <= 0 means no limit.
func (tx *Tx) ListTransmissions(challengeID, agentID string, limit int) ([]*types.Transmission, error) {
	var out []*types.Transmission
	c := tx.btx.Bucket(bucketTransmissions).Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var t types.Transmission
		if err := json.Unmarshal(v, &t); err != nil {
			return nil, err
		}
		if challengeID != "" && t.ChallengeID != challengeID {
			continue
		}
		if agentID != "" && t.AgentID != agentID {
			continue
		}
		out = append(out, &t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CountTransmissionsSince counts completed transmissions of a challenge
// with completion after t. Walks the history backwards and stops at the
// first older record, so the cost tracks the answer, not the table.
func (tx *Tx) CountTransmissionsSince(challengeID string, t time.Time) (int, error) {
	n := 0
	c := tx.btx.Bucket(bucketTransmissions).Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var rec types.Transmission
		if err := json.Unmarshal(v, &rec); err != nil {
			return 0, err
		}
		if rec.CompletedAt.Before(t) {
			break
		}
		if rec.ChallengeID == challengeID {
			n++
		}
	}
	return n, nil
}

// AppendRecording assigns the next sequence id and appends the record.
func (tx *Tx) AppendRecording(r *types.Recording) error {
	b := tx.btx.Bucket(bucketRecordings)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	r.ID = seq
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.Put(itob(seq), data)
}

// LastRecording returns the most recent successful recording of a
// challenge, or ErrNotFound when it has never been captured.
func (tx *Tx) LastRecording(challengeID string) (*types.Recording, error) {
	c := tx.btx.Bucket(bucketRecordings).Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var r types.Recording
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, err
		}
		if r.ChallengeID == challengeID && r.Outcome == types.OutcomeSuccess {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("recording for challenge %s: %w", challengeID, ErrNotFound)
}

// ListRecordings returns the most recent recordings, newest first.
func (tx *Tx) ListRecordings(limit int) ([]*types.Recording, error) {
	var out []*types.Recording
	c := tx.btx.Bucket(bucketRecordings).Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var r types.Recording
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CreateRecordingAssignment assigns the next sequence id and stores the row.
func (tx *Tx) CreateRecordingAssignment(ra *types.RecordingAssignment) error {
	b := tx.btx.Bucket(bucketRecAssignments)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	ra.ID = seq
	return tx.PutRecordingAssignment(ra)
}

// PutRecordingAssignment upserts an assignment row.
func (tx *Tx) PutRecordingAssignment(ra *types.RecordingAssignment) error {
	if ra.ID == 0 {
		return fmt.Errorf("recording assignment id unset: %w", ErrInvariant)
	}
	data, err := json.Marshal(ra)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketRecAssignments).Put(itob(ra.ID), data)
}

// GetRecordingAssignment retrieves an assignment row by id.
func (tx *Tx) GetRecordingAssignment(id uint64) (*types.RecordingAssignment, error) {
	data := tx.btx.Bucket(bucketRecAssignments).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("recording assignment %d: %w", id, ErrNotFound)
	}
	var ra types.RecordingAssignment
	if err := json.Unmarshal(data, &ra); err != nil {
		return nil, err
	}
	return &ra, nil
}

// ListRecordingAssignments returns all assignment rows.
func (tx *Tx) ListRecordingAssignments() ([]*types.RecordingAssignment, error) {
	var out []*types.RecordingAssignment
	err := tx.btx.Bucket(bucketRecAssignments).ForEach(func(k, v []byte) error {
		var ra types.RecordingAssignment
		if err := json.Unmarshal(v, &ra); err != nil {
			return err
		}
		out = append(out, &ra)
		return nil
	})
	return out, err
}

// PendingAssignmentForTransmission finds the pending or recording
// assignment tied to a transmission-in-flight, if any.
func (tx *Tx) PendingAssignmentForTransmission(challengeID string) (*types.RecordingAssignment, error) {
	assignments, err := tx.ListRecordingAssignments()
	if err != nil {
		return nil, err
	}
	for _, ra := range assignments {
		if ra.ChallengeID != challengeID {
			continue
		}
		if ra.Status == types.RecordingAssignmentPending || ra.Status == types.RecordingAssignmentRecording {
			return ra, nil
		}
	}
	return nil, fmt.Errorf("pending assignment for challenge %s: %w", challengeID, ErrNotFound)
}
