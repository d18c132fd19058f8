package snapshot

import "github.com/pkg/errors"

var (
	ErrNotPartOfActivePool    = errors.New("node not part of the active facilitator pool")
	ErrActiveBetweenHeights   = errors.New("node was not active across the snapshot interval")
	ErrNotEnoughSpace         = errors.New("not enough usable disk space")
	ErrMaxCBHashesInMemory    = errors.New("too many accepted checkpoint hashes in memory")
	ErrNoAcceptedCBs          = errors.New("no accepted checkpoint blocks since last snapshot")
	ErrHeightIntervalNotMet   = errors.New("dag has not advanced past the seal point")
	ErrNoBlocksWithinInterval = errors.New("no blocks within the snapshot height interval")
	ErrSnapshotIllegalState   = errors.New("snapshot already in progress")
	ErrSnapshotIO             = errors.New("serializing snapshot failed")
	ErrInvalidBalances        = errors.New("snapshot info contains negative balances")
	ErrNoCloudBackends        = errors.New("no cloud backends configured")
)
