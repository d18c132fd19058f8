package consensus

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEmptyProposals  = errors.New("no proposals received in round")
	ErrHeightMissing   = errors.New("unable to compute height for majority block")
	ErrUnknownRound    = errors.New("no active round for id")
	ErrTooManyRounds   = errors.New("parallel round limit reached")
	ErrRoundCooldown   = errors.New("own round cooldown has not elapsed")
	ErrManagerShutdown = errors.New("consensus manager shutting down")
)

// PreviousStageError is returned for a message targeted at a stage the
// round has already passed
type PreviousStageError struct {
	Stage Stage
}

func (e *PreviousStageError) Error() string {
	return fmt.Sprintf("round already past stage, now %s", e.Stage)
}

// NotEnoughProposalsError fails a phase that did not gather its
// required share of facilitator proposals
type NotEnoughProposalsError struct {
	Count, Total int
}

func (e *NotEnoughProposalsError) Error() string {
	return fmt.Sprintf("not enough proposals: %d of %d", e.Count, e.Total)
}
