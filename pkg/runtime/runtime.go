// Package runtime wraps the container runtime the harness drives.
// Two drivers exist: CLI shells out to docker/podman, Engine talks to the
// Docker Engine API directly.
package runtime

import (
	"context"
	"fmt"

	"github.com/pingcap/errors"
)

var (
	ErrNotFound    = errors.New("container not found")
	ErrTimeout     = errors.New("container run timed out")
	ErrUnavailable = errors.New("container runtime unavailable")
)

type Mount struct {
	Source  string
	Target  string
	Options string // e.g. "Z" for SELinux relabel
}

func (m Mount) String() string {
	if m.Options == "" {
		return fmt.Sprintf("%s:%s", m.Source, m.Target)
	}
	return fmt.Sprintf("%s:%s:%s", m.Source, m.Target, m.Options)
}

type RunOptions struct {
	Name  string
	Image string
	// KEY=VALUE pairs, order preserved
	Env     []string
	User    string
	Volumes []Mount
	Cmd     []string
	// File the runtime writes the container ID into
	CIDFile string
	// Only used by RunOnce
	Stdin      []byte
	AutoRemove bool
}

type ExecOptions struct {
	Cmd   []string
	Stdin []byte
}

type BuildOptions struct {
	Tag        string
	ContextDir string
	Dockerfile []byte
}

// Result is the outcome of a foreground process: a one-off container or an exec.
// A non-zero ExitCode is not an error on its own.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r *Result) Output() string {
	return r.Stdout + r.Stderr
}

func (r *Result) Succeeded() bool {
	return r.ExitCode == 0
}

type Runtime interface {
	Name() string
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, image string) (bool, error)

	// Run starts a detached container and returns its ID.
	Run(ctx context.Context, opts RunOptions) (string, error)
	// RunOnce runs a container in the foreground until it exits.
	// ErrTimeout is returned when ctx expires first.
	RunOnce(ctx context.Context, opts RunOptions) (*Result, error)
	Exec(ctx context.Context, id string, opts ExecOptions) (*Result, error)

	IPAddress(ctx context.Context, id string) (string, error)
	ExitCode(ctx context.Context, id string) (int, error)
	Stop(ctx context.Context, id string) error
	// Remove force-removes the container together with its anonymous volumes.
	Remove(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (string, error)
}

type Builder interface {
	Build(ctx context.Context, opts BuildOptions) error
}

// New returns the driver selected by name ("cli" or "engine").
// binary is the CLI executable, host the engine endpoint; each is ignored by the other driver.
func New(driver, binary, host string) (Runtime, error) {
	switch driver {
	case "", "cli":
		return NewCLI(binary), nil
	case "engine":
		return NewEngine(host)
	default:
		return nil, errors.NotValidf("runtime driver %q", driver)
	}
}
