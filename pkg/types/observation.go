package types

import (
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/vmihailenco/msgpack/v5"
)

type ObservationKind uint8

const (
	ObservationNodeMemberOfActivePool ObservationKind = iota + 1
	ObservationNodeNotMemberOfActivePool
	ObservationNodeOffline
	ObservationNodeParticipatedInRollback
)

// Observation is a signed statement by one node about the behaviour
// of another
type Observation struct {
	Observer  peer.ID         `msgpack:"ob"`
	Subject   peer.ID         `msgpack:"su"`
	Kind      ObservationKind `msgpack:"k"`
	Epoch     int64           `msgpack:"e"`
	Signature []byte          `msgpack:"s,omitempty"`
}

func (o *Observation) Hash() Hash {
	return MustHashOf(o)
}

func (o *Observation) Marshal() ([]byte, error) {
	return msgpack.Marshal(o)
}
