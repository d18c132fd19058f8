package node

import (
	"github.com/libp2p/go-libp2p-core/host"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/sirupsen/logrus"
)

type NodeOption func(*Node) error

func WithLogger(l *logrus.Entry) NodeOption {
	return func(n *Node) error {
		n.log = l
		return nil
	}
}

func WithHost(h host.Host) NodeOption {
	return func(n *Node) error {
		n.host = h
		return nil
	}
}

func WithPubSub(ps *pubsub.PubSub) NodeOption {
	return func(n *Node) error {
		n.pubsub = ps
		return nil
	}
}
