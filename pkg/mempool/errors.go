package mempool

import "github.com/pkg/errors"

var (
	// ErrBrokenChain is returned when an accepted transaction does not
	// extend the sender's last accepted reference
	ErrBrokenChain = errors.New("transaction does not extend last accepted reference")
)
