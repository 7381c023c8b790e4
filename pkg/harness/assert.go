package harness

import (
	"context"
	"reflect"
	"strings"

	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/pgenv"
	"github.com/isnastish/pgharness/pkg/runtime"
	"github.com/isnastish/pgharness/pkg/sqlclient"
)

type Expect int

const (
	ExpectSuccess Expect = iota
	ExpectFailure
)

func (e Expect) String() string {
	if e == ExpectFailure {
		return "failure"
	}
	return "success"
}

// Exit codes above this mean the container was killed or the runtime itself failed,
// not that the entrypoint rejected its configuration.
const maxRejectionExitCode = 30

// AssertLogin runs a trivial query as creds and compares the outcome with expect.
func (h *Harness) AssertLogin(ctx context.Context, target sqlclient.Target, creds sqlclient.Credentials, expect Expect) error {
	h.log.Info("Checking login of %s with password %q, expecting %s", creds, creds.Password, expect)

	_, err := h.client.Query(ctx, target, creds, "SELECT 1;")
	if err != nil && errors.Cause(err) != sqlclient.ErrQueryFailed {
		return errors.Trace(err)
	}

	switch {
	case expect == ExpectSuccess && err != nil:
		return failed("login", "%s should be able to log in: %v", creds, err)
	case expect == ExpectFailure && err == nil:
		return failed("login", "%s should not be able to log in with password %q", creds, creds.Password)
	}
	return nil
}

// AssertCreationFails starts a foreground container with env and expects the
// entrypoint to refuse it quickly. A clean exit, a kill, a runtime error or a
// container still running after the creation timeout all fail the assertion.
func (h *Harness) AssertCreationFails(ctx context.Context, name string, env []string) error {
	h.log.Info("Checking that %s prevents the container from starting: %s", name, strings.Join(env, " "))
	if reason := pgenv.Validate(env); reason != nil {
		h.log.Debug("Expected rejection: %v", reason)
	}

	runCtx, cancel := context.WithTimeout(ctx, h.cfg.CreationTimeout)
	defer cancel()

	result, err := h.containers.RunOnce(runCtx, name, Spec{Env: env}, nil)
	if errors.Cause(err) == runtime.ErrTimeout && ctx.Err() == nil {
		return failed("container creation", "%s: container still running after %s", name, h.cfg.CreationTimeout)
	}
	if err != nil {
		return errors.Annotatef(err, "failed to run %s", name)
	}

	switch {
	case result.ExitCode == 0:
		return failed("container creation", "%s: container started and exited successfully", name)
	case result.ExitCode > maxRejectionExitCode:
		return failed("container creation", "%s: container was killed or the runtime failed (exit code %d): %s",
			name, result.ExitCode, strings.TrimSpace(result.Output()))
	}
	h.log.Info("Container %s refused to start as expected (exit code %d)", name, result.ExitCode)
	return nil
}

// parseConfigFile reads key = value lines as written by the image's config templates.
// Later assignments override earlier ones, like in postgresql.conf.
func parseConfigFile(content string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "'")
	}
	return values
}

// AssertRuntimeOption checks the materialized config file of a running container.
func (h *Harness) AssertRuntimeOption(ctx context.Context, name, key, value string) error {
	h.log.Info("Checking %s = %s in %s", key, value, h.cfg.ConfigFile)

	result, err := h.containers.Exec(ctx, name, runtime.ExecOptions{Cmd: []string{"cat", h.cfg.ConfigFile}})
	if err != nil {
		return errors.Trace(err)
	}
	if !result.Succeeded() {
		return failed("runtime option", "cannot read %s: %s", h.cfg.ConfigFile, strings.TrimSpace(result.Output()))
	}

	actual, ok := parseConfigFile(result.Stdout)[key]
	if !ok {
		return failed("runtime option", "%s is not set in %s", key, h.cfg.ConfigFile)
	}
	if actual != value {
		return failed("runtime option", "%s is %q, expected %q", key, actual, value)
	}
	return nil
}

// AssertSCLUsage runs cmd in a one-off container, then in the running container
// through a non-interactive and an interactive shell. expected must show up each time.
func (h *Harness) AssertSCLUsage(ctx context.Context, name, cmd, expected string) error {
	h.log.Info("Checking that %q prints %q", cmd, expected)

	check := func(how string, result *runtime.Result) error {
		if !result.Succeeded() {
			return failed("scl usage", "%s %q exited with %d: %s", how, cmd, result.ExitCode, strings.TrimSpace(result.Output()))
		}
		if !strings.Contains(result.Stdout, expected) {
			return failed("scl usage", "%s %q printed %q, expected it to contain %q", how, cmd, strings.TrimSpace(result.Stdout), expected)
		}
		return nil
	}

	result, err := h.containers.RunOnce(ctx, name+"_scl", Spec{Cmd: []string{"/bin/bash", "-c", cmd}}, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if err := check("run", result); err != nil {
		return err
	}

	for _, shell := range [][]string{{"/bin/bash", "-c"}, {"/bin/sh", "-ic"}} {
		result, err := h.containers.Exec(ctx, name, runtime.ExecOptions{Cmd: append(shell, cmd)})
		if err != nil {
			return errors.Trace(err)
		}
		if err := check("exec "+strings.Join(shell, " "), result); err != nil {
			return err
		}
	}
	return nil
}

// AssertLocalAccess connects over the local socket from inside the container.
func (h *Harness) AssertLocalAccess(ctx context.Context, name string) error {
	h.log.Info("Checking local access in %s", name)

	result, err := h.containers.Exec(ctx, name, runtime.ExecOptions{
		Cmd:   []string{"bash", "-c", "psql"},
		Stdin: []byte("SELECT 1;"),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !result.Succeeded() {
		return failed("local access", "psql in %s exited with %d: %s", name, result.ExitCode, strings.TrimSpace(result.Output()))
	}
	return nil
}

var roundTripRows = [][]string{{"foo1", "bar1"}, {"foo2", "bar2"}, {"foo3", "bar3"}}

// AssertDataRoundTrip creates the uuid-ossp extension and a table as creds,
// inserts three rows and expects to read exactly those back.
// The extension is created by admin when one is given.
func (h *Harness) AssertDataRoundTrip(ctx context.Context, target sqlclient.Target, creds sqlclient.Credentials, admin *sqlclient.Credentials) error {
	h.log.Info("Checking data round trip as %s", creds)

	const extension = `CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`
	if admin != nil {
		if _, err := h.client.Query(ctx, target, *admin, extension); err != nil {
			return failed("data round trip", "create extension as %s: %v", admin, err)
		}
	} else if _, err := h.client.Query(ctx, target, creds, extension); err != nil {
		h.log.Warn("Cannot create uuid-ossp as %s: %v", creds, err)
	}

	var script strings.Builder
	script.WriteString("CREATE TABLE tbl (col1 VARCHAR(20), col2 VARCHAR(20));\n")
	for _, row := range roundTripRows {
		script.WriteString("INSERT INTO tbl VALUES ('" + row[0] + "', '" + row[1] + "');\n")
	}
	if _, err := h.client.Query(ctx, target, creds, script.String()); err != nil {
		return failed("data round trip", "populate tbl: %v", err)
	}

	result, err := h.client.Query(ctx, target, creds, "SELECT * FROM tbl ORDER BY col1;")
	if err != nil {
		return failed("data round trip", "select from tbl: %v", err)
	}
	if !reflect.DeepEqual(result.Rows, roundTripRows) {
		return failed("data round trip", "read %v, expected %v", result.Rows, roundTripRows)
	}
	return nil
}
