package storage

import (
	"encoding/json"

	"github.com/sdrctf/challengectl/pkg/types"
)

var keySystemState = []byte("state")

// SystemState returns the process-wide flags, defaulting to an unpaused
// state when never written.
func (tx *Tx) SystemState() (*types.SystemState, error) {
	data := tx.btx.Bucket(bucketSystem).Get(keySystemState)
	if data == nil {
		return &types.SystemState{}, nil
	}
	var st types.SystemState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// PutSystemState persists the process-wide flags.
func (tx *Tx) PutSystemState(st *types.SystemState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketSystem).Put(keySystemState, data)
}
