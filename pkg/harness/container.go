package harness

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/log"
	"github.com/isnastish/pgharness/pkg/pgenv"
	"github.com/isnastish/pgharness/pkg/registry"
	"github.com/isnastish/pgharness/pkg/runtime"
)

// Spec describes one container of the image under test.
type Spec struct {
	Settings pgenv.Settings
	// Raw KEY=VALUE pairs appended after Settings, used for invalid combinations
	Env []string
	// uid passed as docker run -u, empty keeps the image default
	User    string
	Volumes []runtime.Mount
	Cmd     []string
}

func (s Spec) environment() []string {
	return append(s.Settings.Env(), s.Env...)
}

// Containers creates containers from a single image and keeps every ID in the
// registry, so Teardown can reap them even after an aborted scenario.
type Containers struct {
	rt    runtime.Runtime
	reg   *registry.Registry
	image string
	// prepended to container names, keeps concurrent runs on one host apart
	prefix string
	// scenario tagged on log lines, empty outside of one
	scope string
}

func NewContainers(rt runtime.Runtime, reg *registry.Registry, image, runID string) *Containers {
	return &Containers{rt: rt, reg: reg, image: image, prefix: "pgharness-" + runID + "-"}
}

func (c *Containers) logger(name string) logger {
	l := log.Logger.With("container", name)
	if c.scope != "" {
		l = l.With("scenario", c.scope)
	}
	return l
}

// scoped returns a copy that tags its log lines with scenario.
func (c *Containers) scoped(scenario string) *Containers {
	scoped := *c
	scoped.scope = scenario
	return &scoped
}

func (c *Containers) Image() string {
	return c.image
}

func (c *Containers) runOptions(name, cidfile string, spec Spec) runtime.RunOptions {
	return runtime.RunOptions{
		Name:    c.prefix + name,
		Image:   c.image,
		Env:     spec.environment(),
		User:    spec.User,
		Volumes: spec.Volumes,
		Cmd:     spec.Cmd,
		CIDFile: cidfile,
	}
}

// Create starts a detached container and registers it under name.
func (c *Containers) Create(ctx context.Context, name string, spec Spec) (string, error) {
	cidfile, err := c.reg.Reserve(name)
	if err != nil {
		return "", errors.Trace(err)
	}

	l := c.logger(name)
	l.Info("Creating container %s from %s", name, c.image)
	id, err := c.rt.Run(ctx, c.runOptions(name, cidfile, spec))
	if err != nil {
		return "", errors.Annotatef(err, "failed to create container %s", name)
	}
	if err := c.reg.Record(name, id); err != nil {
		return "", errors.Trace(err)
	}
	l.Debug("Container %s has id %s", name, id)
	return id, nil
}

// RunOnce runs a registered foreground container that removes itself on exit.
// If ctx expires first the container is force-removed before returning.
func (c *Containers) RunOnce(ctx context.Context, name string, spec Spec, stdin []byte) (*runtime.Result, error) {
	cidfile, err := c.reg.Reserve(name)
	if err != nil {
		return nil, errors.Trace(err)
	}

	opts := c.runOptions(name, cidfile, spec)
	opts.Stdin = stdin
	return c.runOnce(ctx, name, opts)
}

// runOnce runs opts under a name reserved in the registry.
func (c *Containers) runOnce(ctx context.Context, name string, opts runtime.RunOptions) (*runtime.Result, error) {
	opts.AutoRemove = true
	result, runErr := c.rt.RunOnce(ctx, opts)
	if runErr != nil {
		// A killed client does not take the container down with it.
		if err := c.reap(context.WithoutCancel(ctx), name); err != nil {
			c.logger(name).Error("Failed to remove container %s: %v", name, err)
		}
		return result, errors.Trace(runErr)
	}
	return result, errors.Trace(c.reg.Forget(name))
}

// OneOffRunner starts foreground containers for clients that build their own
// runtime.RunOptions, naming and registering them like Containers.RunOnce.
type OneOffRunner struct {
	c    *Containers
	kind string
	seq  atomic.Int64
}

// OneOff returns a runner whose containers are named kind_1, kind_2 and so on.
func (c *Containers) OneOff(kind string) *OneOffRunner {
	return &OneOffRunner{c: c, kind: kind}
}

func (r *OneOffRunner) RunOnce(ctx context.Context, opts runtime.RunOptions) (*runtime.Result, error) {
	name := fmt.Sprintf("%s_%d", r.kind, r.seq.Add(1))
	cidfile, err := r.c.reg.Reserve(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	opts.Name = r.c.prefix + name
	opts.CIDFile = cidfile
	return r.c.runOnce(ctx, name, opts)
}

func (c *Containers) ID(name string) (string, error) {
	return c.reg.Lookup(name)
}

func (c *Containers) IP(ctx context.Context, name string) (string, error) {
	id, err := c.ID(name)
	if err != nil {
		return "", errors.Trace(err)
	}
	ip, err := c.rt.IPAddress(ctx, id)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get address of %s", name)
	}
	return ip, nil
}

func (c *Containers) ExitCode(ctx context.Context, name string) (int, error) {
	id, err := c.ID(name)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return c.rt.ExitCode(ctx, id)
}

func (c *Containers) Exec(ctx context.Context, name string, opts runtime.ExecOptions) (*runtime.Result, error) {
	id, err := c.ID(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result, err := c.rt.Exec(ctx, id, opts)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to exec %q in %s", strings.Join(opts.Cmd, " "), name)
	}
	return result, nil
}

func (c *Containers) Stop(ctx context.Context, name string) error {
	id, err := c.ID(name)
	if err != nil {
		return errors.Trace(err)
	}
	c.logger(name).Info("Stopping container %s", name)
	return errors.Annotatef(c.rt.Stop(ctx, id), "failed to stop %s", name)
}

// reap removes the container recorded under name, if any, and forgets it.
func (c *Containers) reap(ctx context.Context, name string) error {
	id, err := c.reg.Lookup(name)
	if err == nil {
		if err := c.rt.Remove(ctx, id); err != nil && errors.Cause(err) != runtime.ErrNotFound {
			return errors.Trace(err)
		}
	}
	return c.reg.Forget(name)
}

// Remove tears down the container registered under name right away, the way
// Teardown would. A name that never got an ID is left to Teardown.
func (c *Containers) Remove(ctx context.Context, name string) error {
	id, err := c.reg.Lookup(name)
	if errors.Cause(err) == registry.ErrNotFound {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	return c.teardownOne(ctx, registry.Entry{Name: name, ID: id})
}

// Teardown stops every registered container, dumps the logs of those that
// exited with a non-zero code, removes them and drops their ID files.
// It carries on past individual failures and returns them joined.
func (c *Containers) Teardown(ctx context.Context) error {
	entries, err := c.reg.Entries()
	if err != nil {
		return errors.Trace(err)
	}

	var errs []error
	for _, entry := range entries {
		if err := c.teardownOne(ctx, entry); err != nil {
			c.logger(entry.Name).Error("Failed to clean up container %s: %v", entry.Name, err)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (c *Containers) teardownOne(ctx context.Context, entry registry.Entry) error {
	if entry.ID == "" {
		return c.reg.Forget(entry.Name)
	}

	err := c.rt.Stop(ctx, entry.ID)
	if errors.Cause(err) == runtime.ErrNotFound {
		c.logger(entry.Name).Debug("Container %s is already gone", entry.Name)
		return c.reg.Forget(entry.Name)
	}
	if err != nil {
		return errors.Annotatef(err, "stop %s", entry.Name)
	}

	exitCode, err := c.rt.ExitCode(ctx, entry.ID)
	if err != nil {
		return errors.Annotatef(err, "inspect %s", entry.Name)
	}
	if exitCode != 0 {
		c.dumpLogs(ctx, entry, exitCode)
	}

	if err := c.rt.Remove(ctx, entry.ID); err != nil && errors.Cause(err) != runtime.ErrNotFound {
		return errors.Annotatef(err, "remove %s", entry.Name)
	}
	c.logger(entry.Name).Debug("Removed container %s", entry.Name)
	return c.reg.Forget(entry.Name)
}

func (c *Containers) dumpLogs(ctx context.Context, entry registry.Entry, exitCode int) {
	l := c.logger(entry.Name)
	logs, err := c.rt.Logs(ctx, entry.ID)
	if err != nil {
		l.Error("Container %s exited with %d, failed to fetch its logs: %v", entry.Name, exitCode, err)
		return
	}
	l.Warn("Container exited with %d, dumping logs", exitCode)
	for _, line := range strings.Split(strings.TrimRight(logs, "\n"), "\n") {
		l.Warn("%s", line)
	}
}
