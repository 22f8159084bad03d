// Package reconciler implements the single coordinating loop: it watches
// desired/current/assignment divergence and drives each deployment
// toward its target (desired_state, spec_revision) tuple. It
// generalizes the Scheduler.Run watch loop of
// internal/master/scheduler/scheduler.go from "place once" into the
// full placement/update/stop/reassign/delete table.
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"symphony/internal/conductor/capacity"
	"symphony/internal/conductor/registry"
	"symphony/internal/conductor/scheduler"
	"symphony/internal/conductor/store"
	"symphony/internal/wire"
	"symphony/pkg/model"
)

// StatusReport is how a node session feeds an observed state transition
// back into the reconciler, independent of the heartbeat cadence.
type StatusReport struct {
	NodeID        string
	DeploymentID  string
	CurrentState  model.CurrentState
	ExitCode      *int
	RevisionAcked int64
}

type pendingCommand struct {
	op         wire.DeploymentReqOp
	revision   int64
	sentAtMs   int64
}

type tracked struct {
	assignment   *model.Assignment
	pending      *pendingCommand
	cancelSentMs int64
}

// Config controls the reconciler's pacing knobs.
type Config struct {
	SweepInterval     time.Duration
	CommandAckTimeout time.Duration
	MaxWorkPerTick    int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     2 * time.Second,
		CommandAckTimeout: 30 * time.Second,
		MaxWorkPerTick:    64,
	}
}

// Reconciler is the conductor's single coordinating loop. All exported
// state is protected by mu; reconcileOne runs for one deployment at a
// time per id, giving each deployment a single logical lock, but
// different ids may be processed back to back within one tick without
// holding any ledger or registry lock across them.
type Reconciler struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
	ledger   *capacity.Ledger
	sched    *scheduler.Scheduler
	log      *zap.Logger
	nowMs    func() int64

	mu       sync.Mutex
	tracked  map[string]*tracked

	statusCh chan StatusReport
	queue    chan string
	queuedMu sync.Mutex
	queued   map[string]struct{}
}

// New wires a Reconciler to its four collaborators, matching the lock
// order: store snapshot -> registry snapshot -> ledger op.
func New(cfg Config, st store.Store, reg *registry.Registry, ledger *capacity.Ledger, sched *scheduler.Scheduler, log *zap.Logger, nowMs func() int64) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    st,
		registry: reg,
		ledger:   ledger,
		sched:    sched,
		log:      log,
		nowMs:    nowMs,
		tracked:  make(map[string]*tracked),
		statusCh: make(chan StatusReport, 1024),
		queue:    make(chan string, 4096),
		queued:   make(map[string]struct{}),
	}
}

// ReportStatus feeds a node-observed transition into the reconciler. Safe
// to call concurrently from every session's reader goroutine.
func (r *Reconciler) ReportStatus(report StatusReport) {
	select {
	case r.statusCh <- report:
	default:
		r.log.Warn("status report dropped, reconciler backlogged",
			zap.String("deployment_id", report.DeploymentID))
	}
}

// Run drives the reconciliation loop until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	storeEvents := r.store.Watch(ctx)
	registryEvents := r.registry.Events()
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-storeEvents:
			if !ok {
				storeEvents = nil
				continue
			}
			if ev.Deployment != nil {
				r.enqueue(ev.Deployment.ID)
			}

		case ev := <-registryEvents:
			if ev.Type == registry.EventNodeDisconnected {
				r.onNodeLost(ctx, ev.NodeID)
			}

		case report := <-r.statusCh:
			r.onStatusReport(ctx, report)

		case <-sweep.C:
			r.registry.SweepStaleness(time.Now())
			r.sweepUnassigned(ctx)
			r.recomputeDeploymentMetrics(ctx)

		case id := <-r.queue:
			r.dequeued(id)
			r.reconcileOne(ctx, id)
		}
	}
}

func (r *Reconciler) enqueue(id string) {
	r.queuedMu.Lock()
	defer r.queuedMu.Unlock()
	if _, already := r.queued[id]; already {
		return
	}
	select {
	case r.queue <- id:
		r.queued[id] = struct{}{}
	default:
		r.log.Warn("reconciler queue full, dropping work item", zap.String("deployment_id", id))
	}
}

func (r *Reconciler) dequeued(id string) {
	r.queuedMu.Lock()
	delete(r.queued, id)
	r.queuedMu.Unlock()
}

func (r *Reconciler) track(id string) *tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracked[id]
	if !ok {
		t = &tracked{}
		r.tracked[id] = t
	}
	return t
}

// assignedCounts returns, for every node, how many deployments this
// reconciler currently believes are assigned to it — the tie-break input
// scheduler.Input.AssignedCounts needs.
func (r *Reconciler) assignedCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, t := range r.tracked {
		if t.assignment != nil {
			out[t.assignment.NodeID]++
		}
	}
	return out
}
