package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"symphony/pkg/model"
)

// backend runs one deployment's process to completion, streaming its
// output line-by-line and returning the final exit code. Start blocks
// until the process exits or ctx is cancelled. A cancel ends the process
// abruptly: execBackend's child is killed, and dockerBackend stops waiting
// and force-removes the container; no termination signal is sent first.
type backend interface {
	Start(ctx context.Context, spec model.Specification, onLine func(model.LogStream, string)) (exitCode int, err error)
}

// newBackend selects the backend for a deployment's Kind.
func newBackend(kind model.Kind, dockerCli *client.Client) (backend, error) {
	switch kind {
	case model.KindExec:
		return &execBackend{}, nil
	case model.KindDocker:
		if dockerCli == nil {
			return nil, fmt.Errorf("supervisor: docker backend requested but no docker client configured")
		}
		return &dockerBackend{cli: dockerCli}, nil
	default:
		return nil, fmt.Errorf("supervisor: unknown deployment kind %q", kind)
	}
}

// execBackend runs the specification's command directly as a child
// process, generalizing the exec.Cmd shape used across the pack's
// process-launching code, following the same Start/Wait/stream-copy
// structure as dockerBackend below for symmetry.
type execBackend struct{}

func (b *execBackend) Start(ctx context.Context, spec model.Specification, onLine func(model.LogStream, string)) (int, error) {
	if len(spec.Command) == 0 {
		return -1, fmt.Errorf("supervisor: exec specification has no command")
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], append(append([]string{}, spec.Command[1:]...), spec.Args...)...)
	cmd.Env = envSlice(spec.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, err
	}

	done := make(chan struct{}, 2)
	go streamLines(stdout, model.LogStdout, onLine, done)
	go streamLines(stderr, model.LogStderr, onLine, done)
	<-done
	<-done

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func streamLines(r io.Reader, stream model.LogStream, onLine func(model.LogStream, string), done chan struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		onLine(stream, scanner.Text())
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// dockerBackend generalizes internal/worker/executor/docker.go's
// DockerExecutor: create, start, wait, then stream
// the combined stdout/stderr log through stdcopy rather than buffering it
// all in memory for a one-shot return — Symphony deployments are
// long-running, so logs are fed to the ring buffer as they arrive instead
// of being collected after the fact.
type dockerBackend struct {
	cli *client.Client
}

func (b *dockerBackend) Start(ctx context.Context, spec model.Specification, onLine func(model.LogStream, string)) (int, error) {
	image := spec.Image
	if image == "" {
		return -1, fmt.Errorf("supervisor: docker specification has no image")
	}

	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   append(append([]string{}, spec.Command...), spec.Args...),
		Env:   envSlice(spec.Env),
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("supervisor: container create: %w", err)
	}
	containerID := resp.ID
	defer b.cli.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true})

	if err := b.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return -1, fmt.Errorf("supervisor: container start: %w", err)
	}

	logs, err := b.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err == nil {
		go func() {
			defer logs.Close()
			stdout := &lineWriter{onLine: onLine, stream: model.LogStdout}
			stderr := &lineWriter{onLine: onLine, stream: model.LogStderr}
			stdcopy.StdCopy(stdout, stderr, logs)
		}()
	}

	statusCh, errCh := b.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("supervisor: container wait: %w", err)
		}
		return -1, nil
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

// lineWriter adapts stdcopy's io.Writer expectations to the line-oriented
// onLine callback every backend reports through.
type lineWriter struct {
	onLine func(model.LogStream, string)
	stream model.LogStream
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			w.onLine(w.stream, string(w.buf))
			w.buf = nil
			continue
		}
		w.buf = append(w.buf, b)
	}
	return len(p), nil
}
