// Package supervisor runs and supervises the node-local processes backing
// a node's assigned deployments. It generalizes a
// single-shot container-run flow (internal/worker/executor) into a
// long-running IDLE/STARTING/RUNNING/STOPPING/STOPPED/FAILED state
// machine with restart-on-failure.
package supervisor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"symphony/internal/node/metrics"
	"symphony/pkg/model"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 60 * time.Second

	defaultStartGrace = time.Second
)

// Status is a point-in-time view of one deployment's supervised process,
// matching the fields a DeploymentHeartbeatStatus needs to report.
type Status struct {
	CurrentState model.CurrentState
	ExitCode     *int
}

// instance owns one deployment's run loop.
type instance struct {
	id         string
	log        *logRing
	cli        *client.Client
	zlog       *zap.Logger
	startGrace time.Duration

	mu            sync.Mutex
	state         model.CurrentState
	exitCode      *int
	spec          model.Specification
	kind          model.Kind
	cancel        context.CancelFunc
	restartCount  int
	stopRequested bool

	stopped chan struct{}
}

// Manager tracks every deployment currently supervised on this node,
// keyed by deployment id.
type Manager struct {
	mu           sync.Mutex
	instances    map[string]*instance
	dockerCli    *client.Client
	log          *zap.Logger
	ringCapacity int
	startGrace   time.Duration
}

// New constructs a Manager with the default log ring capacity and start
// grace period. dockerCli may be nil if no DOCKER-kind deployment will
// ever be scheduled to this node; attempting to start one without a
// client fails that single Start call, not the whole Manager.
func New(dockerCli *client.Client, log *zap.Logger) *Manager {
	return NewWithOptions(dockerCli, log, defaultRingCapacity, defaultStartGrace)
}

// NewWithRingCapacity is New with an explicit per-deployment log ring
// size (config.Node.LogRingSize).
func NewWithRingCapacity(dockerCli *client.Client, log *zap.Logger, ringCapacity int) *Manager {
	return NewWithOptions(dockerCli, log, ringCapacity, defaultStartGrace)
}

// NewWithOptions is New with an explicit log ring size and STARTING ->
// RUNNING grace period (config.Node.LogRingSize / config.Node.StartGrace).
func NewWithOptions(dockerCli *client.Client, log *zap.Logger, ringCapacity int, startGrace time.Duration) *Manager {
	if ringCapacity <= 0 {
		ringCapacity = defaultRingCapacity
	}
	if startGrace <= 0 {
		startGrace = defaultStartGrace
	}
	return &Manager{instances: make(map[string]*instance), dockerCli: dockerCli, log: log, ringCapacity: ringCapacity, startGrace: startGrace}
}

// Start begins (or restarts with a new spec) supervision of a deployment.
// Calling Start on an already-running deployment stops the old instance
// first, implementing the UPDATE op's "restart with new spec" semantics.
func (m *Manager) Start(id string, kind model.Kind, spec model.Specification) {
	m.mu.Lock()
	if old, ok := m.instances[id]; ok {
		delete(m.instances, id)
		m.mu.Unlock()
		old.stop(spec.StopGraceMs)
	} else {
		m.mu.Unlock()
	}

	inst := &instance{
		id:         id,
		log:        newLogRing(m.ringCapacity),
		cli:        m.dockerCli,
		zlog:       m.log,
		startGrace: m.startGrace,
		state:      model.CurrentPending,
		spec:       spec,
		kind:       kind,
		stopped:    make(chan struct{}),
	}
	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	go inst.run()
}

// Stop marks a supervised deployment STOPPING and waits up to graceMs
// (10s when graceMs <= 0) for it to exit on its own, then cancels the
// backend, which kills it; no termination signal is sent before that. It
// is a no-op if the deployment is unknown.
func (m *Manager) Stop(id string, graceMs int64) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	inst.stop(graceMs)
}

// Remove drops bookkeeping for a deployment. Nothing in the node calls it:
// a DeploymentCancel only stops the deployment, whose instance then stays
// listed, and reported, with its final state.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
}

// Status reports the current observed state of a supervised deployment.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Status{CurrentState: inst.state, ExitCode: inst.exitCode}, true
}

// Snapshot reports every supervised deployment's status, for building a
// full Heartbeat.
func (m *Manager) Snapshot() map[string]Status {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	ids := make([]string, 0, len(m.instances))
	for id, inst := range m.instances {
		insts = append(insts, inst)
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make(map[string]Status, len(insts))
	for i, inst := range insts {
		inst.mu.Lock()
		out[ids[i]] = Status{CurrentState: inst.state, ExitCode: inst.exitCode}
		inst.mu.Unlock()
	}
	return out
}

// Tail returns up to n of the most recent log lines for a deployment.
func (m *Manager) Tail(id string, n int) []model.LogEntry {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.log.tail(n)
}

// Subscribe attaches ch to a deployment's live log stream.
func (m *Manager) Subscribe(id string, ch chan model.LogEntry) (unsubscribe func(), ok bool) {
	m.mu.Lock()
	inst, exists := m.instances[id]
	m.mu.Unlock()
	if !exists {
		return nil, false
	}
	return inst.log.subscribe(ch), true
}

var allCurrentStates = []model.CurrentState{
	model.CurrentPending, model.CurrentStarting, model.CurrentRunning,
	model.CurrentStopping, model.CurrentStopped, model.CurrentFailed, model.CurrentUnknown,
}

func (inst *instance) setState(state model.CurrentState, exitCode *int) {
	inst.mu.Lock()
	inst.state = state
	inst.exitCode = exitCode
	inst.mu.Unlock()

	for _, s := range allCurrentStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		metrics.DeploymentState.WithLabelValues(inst.id, string(s)).Set(v)
	}
}

func (inst *instance) stop(graceMs int64) {
	inst.setState(model.CurrentStopping, nil)
	inst.mu.Lock()
	inst.stopRequested = true
	cancel := inst.cancel
	inst.mu.Unlock()
	if cancel == nil {
		return
	}
	grace := time.Duration(graceMs) * time.Millisecond
	if grace <= 0 {
		grace = 10 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-inst.stopped:
	case <-timer.C:
		cancel()
		<-inst.stopped
	}
}

// run drives the deployment through backend.Start, restarting it after a
// non-zero exit or run error (not caused by a stop request) when
// RestartPolicy.Type is RestartOnFailure. The delay is BackoffSeconds when
// set, otherwise baseBackoff doubled per restart and capped at maxBackoff.
func (inst *instance) run() {
	defer close(inst.stopped)

	for {
		be, err := newBackend(inst.kind, inst.cli)
		if err != nil {
			code := -1
			inst.log.append(model.LogEntry{TimestampUnixMs: time.Now().UnixMilli(), Stream: model.LogSystem, Line: err.Error()})
			inst.setState(model.CurrentFailed, &code)
			inst.zlog.Error("supervisor: backend construction failed",
				zap.String("deployment_id", inst.id), zap.Error(err))
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		inst.mu.Lock()
		inst.cancel = cancel
		inst.mu.Unlock()
		inst.setState(model.CurrentStarting, nil)

		ready := make(chan struct{})
		var readyOnce sync.Once
		onLine := func(stream model.LogStream, line string) {
			inst.log.append(model.LogEntry{TimestampUnixMs: time.Now().UnixMilli(), Stream: stream, Line: line})
			if inst.spec.ReadySignal != "" && strings.Contains(line, inst.spec.ReadySignal) {
				readyOnce.Do(func() { close(ready) })
			}
		}

		type runResult struct {
			exitCode int
			err      error
		}
		resCh := make(chan runResult, 1)
		go func() {
			exitCode, runErr := be.Start(ctx, inst.spec, onLine)
			resCh <- runResult{exitCode, runErr}
		}()

		var exitCode int
		var runErr error
		exited := false

		if inst.spec.ReadySignal != "" {
			select {
			case <-ready:
				inst.log.append(model.LogEntry{TimestampUnixMs: time.Now().UnixMilli(), Stream: model.LogSystemHC, Line: "ready signal observed"})
				inst.setState(model.CurrentRunning, nil)
			case r := <-resCh:
				exitCode, runErr, exited = r.exitCode, r.err, true
			}
		} else {
			timer := time.NewTimer(inst.startGrace)
			select {
			case <-timer.C:
				inst.setState(model.CurrentRunning, nil)
			case r := <-resCh:
				timer.Stop()
				exitCode, runErr, exited = r.exitCode, r.err, true
			}
		}

		// An exit observed while still STARTING goes straight to
		// FAILED/STOPPED below without ever passing through RUNNING.
		if !exited {
			r := <-resCh
			exitCode, runErr = r.exitCode, r.err
		}
		cancel()

		inst.mu.Lock()
		stoppedByRequest := inst.stopRequested
		inst.mu.Unlock()
		if stoppedByRequest {
			inst.setState(model.CurrentStopped, &exitCode)
			return
		}

		if runErr != nil {
			code := exitCode
			inst.log.append(model.LogEntry{TimestampUnixMs: time.Now().UnixMilli(), Stream: model.LogSystem, Line: runErr.Error()})
			inst.zlog.Warn("supervisor: run failed", zap.String("deployment_id", inst.id), zap.Error(runErr))
			inst.setState(model.CurrentFailed, &code)
		} else if exitCode != 0 {
			inst.setState(model.CurrentFailed, &exitCode)
		} else {
			inst.setState(model.CurrentStopped, &exitCode)
			return
		}

		if inst.spec.RestartPolicy.Type != model.RestartOnFailure {
			return
		}

		inst.mu.Lock()
		inst.restartCount++
		n := inst.restartCount
		inst.mu.Unlock()
		metrics.DeploymentRestarts.WithLabelValues(inst.id).Inc()

		backoff := baseBackoff * time.Duration(1<<uint(minInt(n, 6)))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if configured := time.Duration(inst.spec.RestartPolicy.BackoffSeconds) * time.Second; configured > 0 {
			backoff = configured
		}
		time.Sleep(backoff)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
