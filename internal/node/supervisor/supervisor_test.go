package supervisor

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"symphony/pkg/model"
)

func newTestManager(startGrace time.Duration) *Manager {
	return NewWithOptions(nil, zap.NewNop(), 100, startGrace)
}

func waitForState(t *testing.T, m *Manager, id string, want model.CurrentState, timeout time.Duration) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last Status
	for time.Now().Before(deadline) {
		st, ok := m.Status(id)
		if !ok {
			t.Fatalf("deployment %q not found", id)
		}
		last = st
		if st.CurrentState == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, last observed %q", want, last.CurrentState)
	return last
}

func TestStart_TransitionsToRunningAfterGracePeriod(t *testing.T) {
	m := newTestManager(20 * time.Millisecond)
	m.Start("d1", model.KindExec, model.Specification{Command: []string{"sh", "-c", "sleep 0.3"}})
	defer m.Stop("d1", 50)

	waitForState(t, m, "d1", model.CurrentRunning, time.Second)
}

func TestStart_ImmediateExitGoesStraightToFailedWithoutRunning(t *testing.T) {
	m := newTestManager(500 * time.Millisecond)
	m.Start("d1", model.KindExec, model.Specification{Command: []string{"sh", "-c", "exit 3"}})

	st := waitForState(t, m, "d1", model.CurrentFailed, time.Second)
	if st.ExitCode == nil || *st.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %+v", st.ExitCode)
	}
}

func TestStart_ExitZeroReportsStopped(t *testing.T) {
	m := newTestManager(10 * time.Millisecond)
	m.Start("d1", model.KindExec, model.Specification{Command: []string{"sh", "-c", "sleep 0.05; exit 0"}})

	st := waitForState(t, m, "d1", model.CurrentStopped, time.Second)
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", st.ExitCode)
	}
}

func TestStart_ReadySignalTransitionsRunningWithoutWaitingForGrace(t *testing.T) {
	m := newTestManager(time.Hour)
	m.Start("d1", model.KindExec, model.Specification{
		Command:     []string{"sh", "-c", "echo booting; echo READY; sleep 0.3"},
		ReadySignal: "READY",
	})
	defer m.Stop("d1", 50)

	waitForState(t, m, "d1", model.CurrentRunning, time.Second)

	lines := m.Tail("d1", 10)
	found := false
	for _, l := range lines {
		if l.Stream == model.LogSystemHC {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a system-hc log entry recording the observed ready signal, got %+v", lines)
	}
}

func TestStart_SpawnFailureReportsSyntheticExitCodeAndSystemLog(t *testing.T) {
	m := newTestManager(10 * time.Millisecond)
	m.Start("d1", model.KindExec, model.Specification{Command: nil})

	st := waitForState(t, m, "d1", model.CurrentFailed, time.Second)
	if st.ExitCode == nil || *st.ExitCode != -1 {
		t.Fatalf("expected synthesized exit code -1, got %+v", st.ExitCode)
	}

	lines := m.Tail("d1", 10)
	foundSystemLine := false
	for _, l := range lines {
		if l.Stream == model.LogSystem && strings.Contains(l.Line, "no command") {
			foundSystemLine = true
		}
	}
	if !foundSystemLine {
		t.Fatalf("expected a system log entry describing the spawn failure, got %+v", lines)
	}
}

func TestStop_CancelsRunningProcessAndReportsStopped(t *testing.T) {
	m := newTestManager(10 * time.Millisecond)
	m.Start("d1", model.KindExec, model.Specification{Command: []string{"sh", "-c", "sleep 30"}})
	waitForState(t, m, "d1", model.CurrentRunning, time.Second)

	m.Stop("d1", 30)

	waitForState(t, m, "d1", model.CurrentStopped, 2*time.Second)
}

func TestRestartOnFailure_RestartsAfterBackoff(t *testing.T) {
	m := newTestManager(5 * time.Millisecond)
	m.Start("d1", model.KindExec, model.Specification{
		Command:       []string{"sh", "-c", "exit 1"},
		RestartPolicy: model.RestartPolicy{Type: model.RestartOnFailure, BackoffSeconds: 1},
	})

	waitForState(t, m, "d1", model.CurrentFailed, time.Second)

	deadline := time.Now().Add(3 * time.Second)
	restarted := false
	for time.Now().Before(deadline) {
		st, ok := m.Status("d1")
		if ok && st.CurrentState == model.CurrentStarting {
			restarted = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !restarted {
		t.Fatalf("expected the instance to restart into STARTING after the configured backoff")
	}
}

func TestRestartPolicy_NoneDoesNotRestartAfterFailure(t *testing.T) {
	m := newTestManager(5 * time.Millisecond)
	m.Start("d1", model.KindExec, model.Specification{Command: []string{"sh", "-c", "exit 1"}})

	waitForState(t, m, "d1", model.CurrentFailed, time.Second)

	time.Sleep(50 * time.Millisecond)
	st, _ := m.Status("d1")
	if st.CurrentState != model.CurrentFailed {
		t.Fatalf("expected state to remain FAILED without a restart policy, got %q", st.CurrentState)
	}
}
