// Copyright 2024 Andrew Dunstall. All rights reserved.
//
// Use of this source code is governed by a MIT style license that can be
// found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"net"
	"time"

	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andydunstall/swarm/pkg/gossip"
	"github.com/andydunstall/swarm/pkg/log"
	"github.com/andydunstall/swarm/server/admin"
	"github.com/andydunstall/swarm/server/cluster"
	"github.com/andydunstall/swarm/server/config"
)

// Server is a swarm server node.
//
// The node gossips with the other members of the cluster to maintain the
// cluster membership, and exposes the membership state on the admin server.
type Server struct {
	gossip    *gossip.Gossip
	transport *gossip.PacketTransport

	adminLn     net.Listener
	adminServer *admin.Server

	conf *config.Config

	logger log.Logger
}

func NewServer(conf *config.Config, logger log.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()

	gossipConn, err := net.ListenPacket("udp", conf.Cluster.Gossip.BindAddr)
	if err != nil {
		return nil, fmt.Errorf(
			"gossip listen: %s: %w", conf.Cluster.Gossip.BindAddr, err,
		)
	}
	if conf.Cluster.Gossip.AdvertiseAddr == "" {
		conf.Cluster.Gossip.AdvertiseAddr = gossipConn.LocalAddr().String()
	}

	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		gossipConn.Close()
		return nil, fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
	}
	if conf.Admin.AdvertiseAddr == "" {
		conf.Admin.AdvertiseAddr = adminLn.Addr().String()
	}

	metadata := &cluster.NodeMetadata{
		AdminAddr: conf.Admin.AdvertiseAddr,
	}
	encodedMetadata, err := metadata.Encode()
	if err != nil {
		gossipConn.Close()
		adminLn.Close()
		return nil, fmt.Errorf("metadata: %w", err)
	}

	transport := gossip.NewPacketTransport(
		gossipConn, conf.Cluster.Gossip.MaxPacketSize, logger,
	)
	g := gossip.New(
		conf.Cluster.NodeID,
		&conf.Cluster.Gossip,
		transport,
		logger,
		gossip.WithMetadata(encodedMetadata),
	)
	g.Metrics().Register(registry)

	clusterMetrics := cluster.NewMetrics()
	clusterMetrics.Register(registry)
	g.Subscribe(cluster.NewWatcher(clusterMetrics, logger))

	adminServer := admin.NewServer(registry, logger)
	adminServer.AddStatus("/cluster", cluster.NewStatus(g))

	return &Server{
		gossip:      g,
		transport:   transport,
		adminLn:     adminLn,
		adminServer: adminServer,
		conf:        conf,
		logger:      logger,
	}, nil
}

// Run starts the server and joins the cluster, then blocks until the context
// is cancelled or the server fails.
//
// When the context is cancelled the node gracefully leaves the cluster
// before shutting down.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(
		"starting swarm server",
		zap.String("node-id", s.conf.Cluster.NodeID),
		zap.Any("conf", s.conf),
	)

	transportErrCh := make(chan error, 1)
	go func() {
		transportErrCh <- s.transport.Serve()
	}()

	if err := s.gossip.Start(); err != nil {
		s.transport.Close()
		s.adminLn.Close()
		return fmt.Errorf("gossip: %w", err)
	}
	defer s.gossip.Shutdown()

	if err := s.join(ctx); err != nil {
		s.gossip.Shutdown()
		s.transport.Close()
		s.adminLn.Close()
		return err
	}

	var group rungroup.Group

	// Termination handler.
	leaveCtx, leaveCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down")
		case <-leaveCtx.Done():
			return nil
		}

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.conf.GracePeriod,
		)
		defer cancel()

		// Leave as soon as we're shutting down so other nodes don't have to
		// detect the node as failed.
		if err := s.gossip.Leave(shutdownCtx); err != nil {
			s.logger.Warn("failed to gracefully leave cluster", zap.Error(err))
		} else {
			s.logger.Info("left cluster")
		}
		return nil
	}, func(error) {
		leaveCancel()
	})

	// Gossip transport.
	group.Add(func() error {
		if err := <-transportErrCh; err != nil {
			return fmt.Errorf("gossip transport: %w", err)
		}
		return nil
	}, func(error) {
		// Stop gossiping before closing the transport, otherwise in-flight
		// rounds fail to send and report healthy nodes as missed.
		if err := s.gossip.Shutdown(); err != nil {
			s.logger.Warn("failed to shutdown gossip", zap.Error(err))
		}
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("failed to close gossip transport", zap.Error(err))
		}
	})

	// Admin server.
	group.Add(func() error {
		if err := s.adminServer.Serve(s.adminLn); err != nil {
			return fmt.Errorf("admin server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.conf.GracePeriod,
		)
		defer cancel()

		if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("failed to gracefully shutdown admin server", zap.Error(err))
		}

		s.logger.Info("admin server shut down")
	})

	if err := group.Run(); err != nil {
		return err
	}

	s.logger.Info("shutdown complete")

	return nil
}

func (s *Server) Gossip() *gossip.Gossip {
	return s.gossip
}

// GossipAddr returns the advertised gossip address.
func (s *Server) GossipAddr() string {
	return s.conf.Cluster.Gossip.AdvertiseAddr
}

// AdminAddr returns the advertised admin address.
func (s *Server) AdminAddr() string {
	return s.conf.Admin.AdvertiseAddr
}

// join attempts to join an existing cluster. Note if 'join' is a domain that
// doesn't map to any entries (except ourselves), then join will succeed since
// it means we're the first member.
func (s *Server) join(ctx context.Context) error {
	if len(s.conf.Cluster.Join) == 0 {
		return nil
	}

	joinCtx, cancel := context.WithTimeout(ctx, s.conf.Cluster.JoinTimeout)
	defer cancel()

	start := time.Now()
	nodeIDs, err := s.gossip.Join(joinCtx, s.conf.Cluster.Join)
	if err != nil {
		if s.conf.Cluster.AbortIfJoinFails {
			return fmt.Errorf("join cluster: %w", err)
		}
		s.logger.Warn("failed to join cluster", zap.Error(err))
		return nil
	}

	if len(nodeIDs) > 0 {
		s.logger.Info(
			"joined cluster",
			zap.Strings("node-ids", nodeIDs),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return nil
}
