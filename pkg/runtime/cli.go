package runtime

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/log"
)

const defaultBinary = "docker"

// CLI drives docker or podman through their command line.
type CLI struct {
	binary string
}

func NewCLI(binary string) *CLI {
	if binary == "" {
		binary = defaultBinary
	}
	return &CLI{binary: binary}
}

func (c *CLI) Name() string {
	return c.binary
}

// command runs the runtime binary and collects its output.
// The returned error is only set if the process could not be run at all,
// or if ctx expired (ErrTimeout).
func (c *CLI) command(ctx context.Context, stdin []byte, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	// NOTE: don't wait forever for pipes held open by a killed client
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	log.Logger.Debug("%s %s", c.binary, strings.Join(args, " "))

	err := cmd.Run()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			return result, errors.Annotatef(ErrTimeout, "%s %s", c.binary, args[0])
		}
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, errors.Annotatef(err, "failed to run %s", c.binary)
	}
	return result, nil
}

// checked is command for calls that must succeed. A non-zero exit becomes an error,
// "no such container" becomes ErrNotFound.
func (c *CLI) checked(ctx context.Context, args ...string) (*Result, error) {
	result, err := c.command(ctx, nil, args...)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		if isNoSuchObject(result.Stderr) {
			return nil, errors.Annotatef(ErrNotFound, "%s %s: %s", c.binary, args[0], strings.TrimSpace(result.Stderr))
		}
		return nil, errors.Errorf("%s %s failed with exit code %d: %s", c.binary, args[0], result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result, nil
}

func isNoSuchObject(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such object") ||
		strings.Contains(s, "no container with name or id")
}

func isNoSuchImage(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such image") || strings.Contains(s, "image not known")
}

func (c *CLI) Ping(ctx context.Context) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return errors.Annotatef(ErrUnavailable, "%s not found in PATH", c.binary)
	}
	result, err := c.command(ctx, nil, "info")
	if err != nil {
		return errors.Annotatef(ErrUnavailable, "%v", err)
	}
	if result.ExitCode != 0 {
		return errors.Annotatef(ErrUnavailable, "%s info: %s", c.binary, strings.TrimSpace(result.Stderr))
	}
	return nil
}

func (c *CLI) ImageExists(ctx context.Context, image string) (bool, error) {
	result, err := c.command(ctx, nil, "image", "inspect", image)
	if err != nil {
		return false, err
	}
	if result.ExitCode == 0 {
		return true, nil
	}
	if isNoSuchImage(result.Stderr) {
		return false, nil
	}
	return false, errors.Errorf("image inspect %s failed: %s", image, strings.TrimSpace(result.Stderr))
}

func runArgs(opts RunOptions, detached bool) []string {
	args := []string{"run"}
	if detached {
		args = append(args, "-d")
	} else if opts.AutoRemove {
		args = append(args, "--rm")
	}
	if !detached && opts.Stdin != nil {
		args = append(args, "-i")
	}
	if opts.CIDFile != "" {
		args = append(args, "--cidfile", opts.CIDFile)
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	for _, env := range opts.Env {
		args = append(args, "-e", env)
	}
	for _, m := range opts.Volumes {
		args = append(args, "-v", m.String())
	}
	args = append(args, opts.Image)
	return append(args, opts.Cmd...)
}

func (c *CLI) Run(ctx context.Context, opts RunOptions) (string, error) {
	result, err := c.checked(ctx, runArgs(opts, true)...)
	if err != nil {
		return "", errors.Annotatef(err, "failed to start container from %s", opts.Image)
	}
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	id := strings.TrimSpace(lines[len(lines)-1])
	if id == "" {
		return "", errors.Errorf("%s run printed no container id", c.binary)
	}
	return id, nil
}

func (c *CLI) RunOnce(ctx context.Context, opts RunOptions) (*Result, error) {
	return c.command(ctx, opts.Stdin, runArgs(opts, false)...)
}

func (c *CLI) Exec(ctx context.Context, id string, opts ExecOptions) (*Result, error) {
	args := []string{"exec"}
	if opts.Stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, id)
	args = append(args, opts.Cmd...)
	result, err := c.command(ctx, opts.Stdin, args...)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 && isNoSuchObject(result.Stderr) {
		return nil, errors.Annotatef(ErrNotFound, "exec in %s", id)
	}
	return result, nil
}

func (c *CLI) inspect(ctx context.Context, id, format string) (string, error) {
	result, err := c.checked(ctx, "inspect", "--format", format, id)
	if err != nil {
		return "", errors.Annotatef(err, "failed to inspect %s", id)
	}
	return strings.TrimSpace(result.Stdout), nil
}

func (c *CLI) IPAddress(ctx context.Context, id string) (string, error) {
	ip, err := c.inspect(ctx, id, "{{.NetworkSettings.IPAddress}}")
	if err != nil {
		return "", err
	}
	if ip != "" && ip != "<no value>" {
		return ip, nil
	}
	// user-defined networks and newer engines leave the top level address empty
	ips, err := c.inspect(ctx, id, "{{range .NetworkSettings.Networks}}{{.IPAddress}} {{end}}")
	if err != nil {
		return "", err
	}
	if fields := strings.Fields(ips); len(fields) > 0 {
		return fields[0], nil
	}
	return "", errors.NotFoundf("ip address of container %s", id)
}

func (c *CLI) ExitCode(ctx context.Context, id string) (int, error) {
	out, err := c.inspect(ctx, id, "{{.State.ExitCode}}")
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(out)
	if err != nil {
		return 0, errors.Annotatef(err, "unexpected exit code %q", out)
	}
	return code, nil
}

func (c *CLI) Stop(ctx context.Context, id string) error {
	_, err := c.checked(ctx, "stop", id)
	return errors.Annotatef(err, "failed to stop %s", id)
}

func (c *CLI) Remove(ctx context.Context, id string) error {
	_, err := c.checked(ctx, "rm", "-f", "-v", id)
	return errors.Annotatef(err, "failed to remove %s", id)
}

func (c *CLI) Logs(ctx context.Context, id string) (string, error) {
	result, err := c.checked(ctx, "logs", id)
	if err != nil {
		return "", errors.Annotatef(err, "failed to read logs of %s", id)
	}
	return result.Output(), nil
}

func (c *CLI) Build(ctx context.Context, opts BuildOptions) error {
	contextDir := opts.ContextDir
	if contextDir == "" {
		contextDir = "."
	}
	result, err := c.command(ctx, opts.Dockerfile, "build", "-t", opts.Tag, "-f", "-", contextDir)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return errors.Errorf("build of %s failed with exit code %d: %s", opts.Tag, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	log.Logger.Info("Built image %s", opts.Tag)
	return nil
}
