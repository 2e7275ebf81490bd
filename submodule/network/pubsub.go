package network

import (
	"context"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
)

func GossipSub(ctx context.Context, host host.Host, disc discovery.Discovery, pubsubOptions ...pubsub.Option) (service *pubsub.PubSub, err error) {
	return pubsub.NewGossipSub(ctx, host, append(
		pubsubOptions,
		pubsub.WithDiscovery(disc))...,
	)
}
