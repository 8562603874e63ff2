package chainsync

import (
	"errors"
	"fmt"
)

// ErrNoMoreSyncPeers is returned when a sync round has drained its
// candidate pool without completing. Exhaustion is the only network
// condition that is fatal by itself.
var ErrNoMoreSyncPeers = errors.New("no more valid peers to sync with")

// SyncStage identifies the phase of a sync round an error belongs to, so
// fatal outcomes can be routed by machines instead of parsed out of log
// lines.
type SyncStage string

const (
	StageListening SyncStage = "listening"
	StageBlockSync SyncStage = "block-sync"

	StageMMRState   SyncStage = "mmr-state"
	StageHeaders    SyncStage = "headers"
	StageKernels    SyncStage = "kernels"
	StageUTXOs      SyncStage = "utxos"
	StageValidation SyncStage = "validation"
)

// StageError is a fatal sync error tagged with the stage it occurred in.
type StageError struct {
	Stage SyncStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf extracts the stage tag from err, or returns fallback when err
// carries none.
func StageOf(err error, fallback SyncStage) SyncStage {
	var staged *StageError
	if errors.As(err, &staged) {
		return staged.Stage
	}
	return fallback
}
