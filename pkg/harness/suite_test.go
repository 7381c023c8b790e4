package harness

import (
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/isnastish/pgharness/pkg/runtime"
)

func TestSuiteRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	suite := NewSuite(env.h, SuiteOptions{Scenarios: DefaultScenarios("12345")})

	require.NoError(t, suite.Run(context.Background()))
	assert.Equal(t, 0, env.rt.remaining())
	assert.Empty(t, env.registered(t))
	assert.NotEmpty(t, env.rt.removed)
}

func TestSuiteRunTearsDownAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	env.rt.exec = func(c *fakeContainer, opts runtime.ExecOptions) (*runtime.Result, error) {
		if opts.Cmd[0] == "cat" {
			return &runtime.Result{Stderr: "cat: No such file or directory", ExitCode: 1}, nil
		}
		return env.rt.shell(c, opts.Cmd), nil
	}
	suite := NewSuite(env.h, SuiteOptions{Scenarios: DefaultScenarios(""), SkipCreationTests: true})

	err := suite.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsAssertionError(err))
	assert.Contains(t, err.Error(), "scenario no_admin")
	assert.Equal(t, 0, env.rt.remaining())
	assert.Empty(t, env.registered(t))
}

func TestSuiteRunTearsDownAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The server becomes reachable, then the run is interrupted.
	env.client.onQuery = func() {
		if len(env.client.queries) == 1 {
			cancel()
		}
	}
	suite := NewSuite(env.h, SuiteOptions{Scenarios: DefaultScenarios(""), SkipCreationTests: true, SkipChangePassword: true})

	err := suite.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.Equal(t, 0, env.rt.remaining())
	assert.Empty(t, env.registered(t))
}

func TestSuiteRunChecksPreconditions(t *testing.T) {
	env := newTestEnv(t)
	env.rt.pingErr = errors.New("docker: command not found")
	err := NewSuite(env.h, SuiteOptions{Scenarios: DefaultScenarios("")}).Run(context.Background())
	assert.Equal(t, runtime.ErrUnavailable, errors.Cause(err))
	assert.Empty(t, env.rt.order)

	env = newTestEnv(t)
	env.rt.missingImage = true
	err = NewSuite(env.h, SuiteOptions{Scenarios: DefaultScenarios("")}).Run(context.Background())
	assert.Equal(t, ErrImageMissing, errors.Cause(err))
	assert.Empty(t, env.rt.order)
}

func TestSuiteRunReapsLeftoversAfterPreconditionFailure(t *testing.T) {
	env := newTestEnv(t)
	// A container recorded by an earlier, aborted run sharing the registry dir.
	require.NoError(t, env.reg.Record("leftover", "c9999"))
	env.rt.containers["c9999"] = &fakeContainer{id: "c9999", running: true}
	env.rt.pingErr = errors.New("daemon gone")

	err := NewSuite(env.h, SuiteOptions{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon gone")
	assert.Equal(t, 0, env.rt.remaining())
}
