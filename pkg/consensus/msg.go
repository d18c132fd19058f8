package consensus

import (
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/hypergraph/pkg/types"
)

// RoundID uniquely identifies a block creation round across the
// facilitator set
type RoundID string

type MsgType uint8

const (
	MsgTypeStartRound MsgType = iota + 1
	MsgTypeDataProposal
	MsgTypeUnionProposal
	MsgTypeSelectedProposal
	MsgTypeFinished
	MsgTypeSignatureRequest
	MsgTypeSignatureResponse
)

type Msg struct {
	Type       MsgType                `msgpack:"t"`
	From       peer.ID                `msgpack:"f"`
	To         peer.ID                `msgpack:"to,omitempty"`
	Timestamp  int64                  `msgpack:"ts"`
	StartRound *StartConsensusRound   `msgpack:"sr,omitempty"`
	Data       *ConsensusDataProposal `msgpack:"dp,omitempty"`
	Union      *UnionBlockProposal    `msgpack:"up,omitempty"`
	Selected   *SelectedUnionBlock    `msgpack:"sp,omitempty"`
	Finished   *FinishedCheckpoint    `msgpack:"fc,omitempty"`
	SigReq     *SignatureRequest      `msgpack:"sq,omitempty"`
	SigResp    *SignatureResponse     `msgpack:"ss,omitempty"`
	Signature  []byte                 `msgpack:"s,omitempty"`
	Key        []byte                 `msgpack:"k,omitempty"`
}

func (m *Msg) Marshal() ([]byte, error) {
	return msgpack.Marshal(m)
}

func (m *Msg) Unmarshal(d []byte) error {
	return msgpack.Unmarshal(d, m)
}

// RoundData is fixed for a round's lifetime
type RoundData struct {
	RoundID      RoundID                `msgpack:"r"`
	Peers        []peer.ID              `msgpack:"p"`
	LightPeers   []peer.ID              `msgpack:"lp,omitempty"`
	Facilitator  peer.ID                `msgpack:"f"`
	Transactions []*types.Transaction   `msgpack:"tx,omitempty"`
	Observations []*types.Observation   `msgpack:"ob,omitempty"`
	TipsSOE      [2]types.BlockRef      `msgpack:"ts"`
	Messages     []types.ChannelMessage `msgpack:"m,omitempty"`
}

type StartConsensusRound struct {
	Data RoundData `msgpack:"d"`
}

// ConsensusDataProposal is a facilitator's phase 1 contribution
type ConsensusDataProposal struct {
	RoundID       RoundID                  `msgpack:"r"`
	Facilitator   peer.ID                  `msgpack:"f"`
	Transactions  []*types.Transaction     `msgpack:"tx,omitempty"`
	Observations  []*types.Observation     `msgpack:"ob,omitempty"`
	Messages      []types.ChannelMessage   `msgpack:"m,omitempty"`
	Notifications []types.PeerNotification `msgpack:"n,omitempty"`
}

// UnionBlockProposal is a facilitator's phase 2 candidate block
type UnionBlockProposal struct {
	RoundID     RoundID                `msgpack:"r"`
	Facilitator peer.ID                `msgpack:"f"`
	Block       *types.CheckpointBlock `msgpack:"b"`
}

// SelectedUnionBlock is a facilitator's phase 3 majority pick
type SelectedUnionBlock struct {
	RoundID     RoundID                `msgpack:"r"`
	Facilitator peer.ID                `msgpack:"f"`
	Block       *types.CheckpointBlock `msgpack:"b"`
}

// FinishedCheckpoint spreads an accepted block to non facilitators
type FinishedCheckpoint struct {
	Cache        *types.CheckpointCache `msgpack:"c"`
	Facilitators []peer.ID              `msgpack:"f"`
}

type SignatureRequest struct {
	Block        *types.CheckpointBlock `msgpack:"b"`
	Facilitators []peer.ID              `msgpack:"f"`
}

type SignatureResponse struct {
	Signature  *types.HashSignature `msgpack:"s,omitempty"`
	ReRegister bool                 `msgpack:"rr,omitempty"`
}
