package checkpoint

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tcfw/hypergraph/pkg/types"
)

var (
	ErrMissingCheckpointBlock = errors.New("checkpoint cache has no block")
	ErrPendingAcceptance      = errors.New("block already pending acceptance")
	ErrAlreadyStored          = errors.New("block already stored")
	ErrMissingParents         = errors.New("block parents unknown")
	ErrMissingTxReference     = errors.New("missing transaction reference")
	ErrNoTips                 = errors.New("not enough tips to reference")
	ErrNotEnoughFacilitators  = errors.New("not enough ready facilitators")
)

// TipConflictError marks a block that carries transactions already
// accepted in another block
type TipConflictError struct {
	Conflicting []*types.Transaction
}

func (e *TipConflictError) Error() string {
	return fmt.Sprintf("%d transactions already accepted in another block", len(e.Conflicting))
}

// InvalidTransactionsError marks a block that failed structural or
// chain validation
type InvalidTransactionsError struct {
	Excluded []*types.Transaction
}

func (e *InvalidTransactionsError) Error() string {
	return fmt.Sprintf("block contains %d invalid transactions", len(e.Excluded))
}
