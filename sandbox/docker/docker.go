// Package docker implements sandbox.Runner by launching a throwaway
// container per execution from a pre-built image per language, grounded on
// the pack's Docker container manager. Unlike that manager's named,
// reused per-project containers, every execution here gets its own
// container, created and torn down within a single Execute call (scoped
// acquire/release) so one execution can never observe another's
// filesystem or network state.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/runforge/execengine/sandbox"
)

// Runner executes code via the Docker daemon. Safe for concurrent use; the
// underlying client is safe for concurrent use per docker/docker/client's
// own contract.
type Runner struct {
	cli    *client.Client
	images map[string]string // language -> image
}

// Options configures a Runner.
type Options struct {
	// Images maps a language name ("python", "node", ...) to the pre-built
	// image used to run it. A language absent from the map is rejected.
	Images map[string]string
}

// New connects to the Docker daemon via the environment (DOCKER_HOST etc.)
// and negotiates the API version, matching the pack's client construction.
func New(opts Options) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: connect: %w", err)
	}
	images := opts.Images
	if images == nil {
		images = map[string]string{}
	}
	return &Runner{cli: cli, images: images}, nil
}

// Close releases the underlying client.
func (r *Runner) Close() error { return r.cli.Close() }

// Execute creates a fresh, network-isolated container from the
// language's pre-built image, runs source via stdin, captures output, and
// guarantees the container is removed even on timeout or panic.
func (r *Runner) Execute(ctx context.Context, language, source string, timeout time.Duration) (sandbox.Result, error) {
	img, ok := r.images[language]
	if !ok {
		return sandbox.Result{}, fmt.Errorf("docker: no image configured for language %q", language)
	}

	if err := r.ensureImage(ctx, img); err != nil {
		return sandbox.Result{}, fmt.Errorf("docker: ensure image: %w", err)
	}

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        img,
			Cmd:          []string{"sh", "-c", "cat > /tmp/src && exec /entrypoint.sh /tmp/src"},
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			NetworkDisabled: true,
		},
		&container.HostConfig{NetworkMode: "none", AutoRemove: false},
		nil, nil, "")
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("docker: create container: %w", err)
	}
	containerID := created.ID

	// Scoped acquire/release: the container is removed no matter how this
	// function returns, including on timeout or a recovered panic.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true})
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attach, err := r.cli.ContainerAttach(runCtx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("docker: attach: %w", err)
	}
	defer attach.Close()

	if err := r.cli.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return sandbox.Result{}, fmt.Errorf("docker: start container: %w", err)
	}

	if _, err := attach.Conn.Write([]byte(source)); err != nil {
		return sandbox.Result{}, fmt.Errorf("docker: write source: %w", err)
	}
	_ = attach.CloseWrite()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	waitCh, waitErrCh := r.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case <-runCtx.Done():
		return sandbox.TimeoutResult, nil
	case err := <-waitErrCh:
		return sandbox.Result{}, fmt.Errorf("docker: wait: %w", err)
	case status := <-waitCh:
		select {
		case err := <-copyDone:
			if err != nil && err != io.EOF {
				return sandbox.Result{}, fmt.Errorf("docker: read output: %w", err)
			}
		case <-runCtx.Done():
			return sandbox.TimeoutResult, nil
		}
		return sandbox.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: int(status.StatusCode)}, nil
	}
}

func (r *Runner) ensureImage(ctx context.Context, name string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, name); err == nil {
		return nil
	}
	reader, err := r.cli.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
