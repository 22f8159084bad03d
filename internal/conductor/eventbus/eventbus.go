// Package eventbus fans out deployment log lines to the httpapi layer's
// log-stream subscribers; fleet snapshots do not pass through it. It mirrors the
// bounded-channel, drop-on-slow-consumer discipline used throughout the
// conductor (registry.Registry.emit, session.Session.Send) rather than
// introducing a different fan-out primitive for this one concern.
package eventbus

import (
	"sync"

	"symphony/pkg/model"
)

const subscriberBuffer = 256

// LogLine is one log entry tagged with the deployment it came from, as
// delivered to log-stream subscribers.
type LogLine struct {
	DeploymentID string
	Entry        model.LogEntry
}

// Bus holds per-deployment log subscriber sets. A single Bus instance is
// shared by every httpapi log-stream handler and every node session that
// forwards LogBatch frames.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[chan LogLine]struct{}
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[chan LogLine]struct{})}
}

// Publish delivers entries for one deployment to every current
// subscriber of that deployment's log stream, dropping on any subscriber
// whose buffer is full rather than blocking the node session forwarding
// the batch.
func (b *Bus) Publish(deploymentID string, entries []model.LogEntry) {
	b.mu.Lock()
	subs := make([]chan LogLine, 0, len(b.subs[deploymentID]))
	for ch := range b.subs[deploymentID] {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, entry := range entries {
		line := LogLine{DeploymentID: deploymentID, Entry: entry}
		for _, ch := range subs {
			select {
			case ch <- line:
			default:
			}
		}
	}
}

// Subscribe attaches to a deployment's log stream. The returned func
// detaches and closes nothing — callers own the channel's lifecycle.
func (b *Bus) Subscribe(deploymentID string) (chan LogLine, func()) {
	ch := make(chan LogLine, subscriberBuffer)
	b.mu.Lock()
	if b.subs[deploymentID] == nil {
		b.subs[deploymentID] = make(map[chan LogLine]struct{})
	}
	b.subs[deploymentID][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs[deploymentID], ch)
		if len(b.subs[deploymentID]) == 0 {
			delete(b.subs, deploymentID)
		}
		b.mu.Unlock()
	}
}
