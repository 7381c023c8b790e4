package runtime

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/log"
)

// Engine implements Runtime over the Docker Engine API.
// It does not implement Builder, images are built with the CLI driver.
type Engine struct {
	client *client.Client
}

func NewEngine(host string) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return newEngine(opts...)
}

func newEngine(opts ...client.Opt) (*Engine, error) {
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create docker client")
	}
	return &Engine{client: cli}, nil
}

func (e *Engine) Name() string {
	return "docker-engine"
}

func (e *Engine) Close() error {
	return e.client.Close()
}

func notFound(err error, id string) error {
	if cerrdefs.IsNotFound(err) {
		return errors.Annotatef(ErrNotFound, "%s", id)
	}
	return errors.Trace(err)
}

func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return errors.Annotatef(ErrUnavailable, "%v", err)
	}
	return nil
}

func (e *Engine) ImageExists(ctx context.Context, image string) (bool, error) {
	if _, err := e.client.ImageInspect(ctx, image); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, errors.Trace(err)
	}
	return true, nil
}

func (e *Engine) create(ctx context.Context, opts RunOptions, foreground bool) (string, error) {
	config := &container.Config{
		Image: opts.Image,
		Env:   opts.Env,
		Cmd:   opts.Cmd,
		User:  opts.User,
	}
	if foreground {
		config.AttachStdout = true
		config.AttachStderr = true
		if opts.Stdin != nil {
			config.AttachStdin = true
			config.OpenStdin = true
			config.StdinOnce = true
		}
	}

	hostConfig := &container.HostConfig{}
	for _, m := range opts.Volumes {
		hostConfig.Binds = append(hostConfig.Binds, m.String())
	}

	resp, err := e.client.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", errors.Annotatef(err, "failed to create container from %s", opts.Image)
	}
	for _, warning := range resp.Warnings {
		log.Logger.Warn("%s: %s", resp.ID, warning)
	}

	if opts.CIDFile != "" {
		if err := os.WriteFile(opts.CIDFile, []byte(resp.ID), 0644); err != nil {
			return resp.ID, errors.Annotatef(err, "failed to write cid file %s", opts.CIDFile)
		}
	}
	return resp.ID, nil
}

func (e *Engine) Run(ctx context.Context, opts RunOptions) (string, error) {
	id, err := e.create(ctx, opts, false)
	if err != nil {
		return "", err
	}
	// NOTE: a container which fails to start stays around, the cid file lets teardown find it
	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", errors.Annotatef(err, "failed to start container %s", id)
	}
	return id, nil
}

func (e *Engine) RunOnce(ctx context.Context, opts RunOptions) (*Result, error) {
	id, err := e.create(ctx, opts, true)
	if err != nil {
		return nil, err
	}
	if opts.AutoRemove {
		defer func() {
			rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.Remove(rmCtx, id); err != nil && errors.Cause(err) != ErrNotFound {
				log.Logger.Warn("Failed to remove one-off container %s %v", id, err)
			}
		}()
	}

	hijack, err := e.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  opts.Stdin != nil,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to attach to %s", id)
	}
	defer hijack.Close()

	// Registered before start so a fast exit is not missed.
	waitCh, waitErrCh := e.client.ContainerWait(ctx, id, container.WaitConditionNextExit)

	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, errors.Annotatef(err, "failed to start container %s", id)
	}

	var stdout, stderr bytes.Buffer
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		stdcopy.StdCopy(&stdout, &stderr, hijack.Reader)
	}()

	if opts.Stdin != nil {
		if _, err := hijack.Conn.Write(opts.Stdin); err != nil {
			log.Logger.Warn("Failed to write stdin of %s %v", id, err)
		}
		hijack.CloseWrite()
	}

	result := &Result{}
	select {
	case status := <-waitCh:
		result.ExitCode = int(status.StatusCode)
	case err := <-waitErrCh:
		hijack.Close()
		<-copyDone
		if ctx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			result.Stdout, result.Stderr = stdout.String(), stderr.String()
			return result, errors.Annotatef(ErrTimeout, "container %s", id)
		}
		return nil, errors.Annotatef(err, "failed waiting for %s", id)
	}

	<-copyDone
	result.Stdout, result.Stderr = stdout.String(), stderr.String()
	return result, nil
}

func (e *Engine) Exec(ctx context.Context, id string, opts ExecOptions) (*Result, error) {
	created, err := e.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          opts.Cmd,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, notFound(err, id)
	}

	hijack, err := e.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to attach to exec in %s", id)
	}
	defer hijack.Close()
	// The stream does not watch ctx, closing it unblocks the reads below.
	stop := context.AfterFunc(ctx, hijack.Close)
	defer stop()

	if opts.Stdin != nil {
		if _, err := hijack.Conn.Write(opts.Stdin); err != nil {
			if ctx.Err() != nil {
				return nil, errors.Trace(ctx.Err())
			}
			return nil, errors.Annotatef(err, "failed to write stdin of exec in %s", id)
		}
		hijack.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijack.Reader); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, errors.Annotatef(err, "failed to read exec output in %s", id)
	}

	// The stream may close slightly before the exec is marked as finished.
	for {
		inspect, err := e.client.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !inspect.Running {
			return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (e *Engine) IPAddress(ctx context.Context, id string) (string, error) {
	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", notFound(err, id)
	}
	if inspect.NetworkSettings == nil {
		return "", errors.NotFoundf("network settings of container %s", id)
	}
	networks := inspect.NetworkSettings.Networks
	if bridge, ok := networks["bridge"]; ok && bridge != nil && bridge.IPAddress != "" {
		return bridge.IPAddress, nil
	}
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ep := networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", errors.NotFoundf("ip address of container %s", id)
}

func (e *Engine) ExitCode(ctx context.Context, id string) (int, error) {
	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return 0, notFound(err, id)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return 0, errors.NotFoundf("state of container %s", id)
	}
	return inspect.State.ExitCode, nil
}

func (e *Engine) Stop(ctx context.Context, id string) error {
	if err := e.client.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return notFound(err, id)
	}
	return nil
}

func (e *Engine) Remove(ctx context.Context, id string) error {
	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return notFound(err, id)
	}
	return nil
}

func (e *Engine) Logs(ctx context.Context, id string) (string, error) {
	reader, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", notFound(err, id)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", errors.Annotatef(err, "failed to read logs of %s", id)
	}
	return buf.String(), nil
}
