package cluster

import (
	"go.uber.org/zap"

	"github.com/andydunstall/swarm/pkg/gossip"
	"github.com/andydunstall/swarm/pkg/log"
)

// Watcher logs and records metrics for membership changes.
type Watcher struct {
	metrics *Metrics
	logger  log.Logger
}

func NewWatcher(metrics *Metrics, logger log.Logger) *Watcher {
	return &Watcher{
		metrics: metrics,
		logger:  logger.WithSubsystem("cluster"),
	}
}

func (w *Watcher) OnJoin(record gossip.NodeRecord) {
	w.metrics.Events.WithLabelValues(gossip.EventJoin.String()).Inc()
	w.metrics.StatusChanges.WithLabelValues(record.Status.String()).Inc()

	w.logger.Info(
		"node joined",
		zap.String("node-id", record.ID),
		zap.String("addr", record.Addr),
		zap.String("status", record.Status.String()),
		zap.Uint64("term", record.Term),
	)
}

func (w *Watcher) OnUpdate(previous gossip.NodeRecord, record gossip.NodeRecord) {
	w.metrics.Events.WithLabelValues(gossip.EventUpdate.String()).Inc()

	if previous.Status == record.Status {
		w.logger.Debug(
			"node updated",
			zap.String("node-id", record.ID),
			zap.Uint64("term", record.Term),
		)
		return
	}

	w.metrics.StatusChanges.WithLabelValues(record.Status.String()).Inc()

	w.logger.Info(
		"node status changed",
		zap.String("node-id", record.ID),
		zap.String("previous", previous.Status.String()),
		zap.String("status", record.Status.String()),
		zap.Uint64("term", record.Term),
	)
}

func (w *Watcher) OnExpired(record gossip.NodeRecord) {
	w.metrics.Events.WithLabelValues(gossip.EventExpired.String()).Inc()

	w.logger.Info(
		"node expired",
		zap.String("node-id", record.ID),
		zap.String("status", record.Status.String()),
	)
}

var _ gossip.Watcher = &Watcher{}
