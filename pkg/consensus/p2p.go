package consensus

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/libp2p/go-libp2p-core/peer"
)

const (
	pubsubConsensusChanName = "/hypergraph/consensus"

	pubsubBuf = 10
)

type p2p struct {
	self   peer.ID
	router *pubsub.PubSub
	logger *logrus.Entry

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newP2P(self peer.ID, router *pubsub.PubSub, logger *logrus.Entry) *p2p {
	return &p2p{
		self:   self,
		router: router,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}
}

func (p *p2p) topic(channel string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[channel]
	if !ok {
		var err error
		t, err = p.router.Join(channel)
		if err != nil {
			return nil, errors.Wrap(err, "joining topic")
		}

		p.topics[channel] = t
	}

	return t, nil
}

func (p *p2p) Msgs(channel string) (<-chan *Msg, error) {
	t, err := p.topic(channel)
	if err != nil {
		return nil, err
	}

	sub, err := t.Subscribe()
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to topic")
	}

	msgCh := make(chan *Msg, pubsubBuf)

	go func() {
		for {
			m, err := sub.Next(context.Background())
			if err != nil {
				p.logger.WithError(err).Errorf("sub %s closed", channel)
				close(msgCh)
				return
			}

			msg := &Msg{}
			if err := msg.Unmarshal(m.Data); err != nil {
				p.logger.WithError(err).WithField("from", m.From).Error("unmarshalling msg")
				continue
			}
			msg.Signature = m.Signature
			msg.Key = m.Key

			msgCh <- msg
		}
	}()

	return msgCh, nil
}

func (p *p2p) PublishContext(ctx context.Context, channel string, m *Msg) error {
	t, err := p.topic(channel)
	if err != nil {
		return err
	}

	b, err := m.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshaling msg")
	}

	return t.Publish(ctx, b, pubsub.WithReadiness(pubsub.MinTopicSize(1)))
}
