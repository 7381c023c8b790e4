package sqlclient

import (
	"context"
	"strings"

	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/runtime"
)

// Runner starts the one-off psql containers. A runtime.Runtime is one; the
// harness passes a runner that registers every container it starts.
type Runner interface {
	RunOnce(ctx context.Context, opts runtime.RunOptions) (*runtime.Result, error)
}

// Psql runs the psql binary shipped in the image under test, in a one-off
// container, with the SQL on stdin.
type Psql struct {
	runner Runner
	image  string
}

func NewPsql(runner Runner, image string) *Psql {
	return &Psql{runner: runner, image: image}
}

func (p *Psql) Name() string {
	return "psql"
}

func psqlCommand(uri string) []string {
	// -A -t -F<TAB>: unaligned rows only, -q: no command tags,
	// ON_ERROR_STOP: a failing statement makes psql exit non-zero.
	return []string{"psql", "-X", "-q", "-A", "-t", "-F", "\t", "-v", "ON_ERROR_STOP=1", uri}
}

// psql exits with 1 on a fatal error, 2 when the connection is refused or lost
// and 3 when a statement fails under ON_ERROR_STOP. Other codes come from the
// container runtime (125 to 127) or a killed process.
func psqlFailed(exitCode int) bool {
	return exitCode >= 1 && exitCode <= 3
}

func parseRows(out string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows
}

func (p *Psql) Query(ctx context.Context, target Target, creds Credentials, sql string) (*Result, error) {
	result, err := p.runner.RunOnce(ctx, runtime.RunOptions{
		Image:      p.image,
		Env:        []string{"PGPASSWORD=" + creds.Password},
		Cmd:        psqlCommand(URI(target, creds, false)),
		Stdin:      []byte(sql),
		AutoRemove: true,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to run psql")
	}
	switch {
	case result.Succeeded():
	case psqlFailed(result.ExitCode):
		return nil, errors.Annotatef(ErrQueryFailed, "psql as %s exited with %d: %s",
			creds, result.ExitCode, strings.TrimSpace(result.Stderr))
	default:
		return nil, errors.Errorf("psql container as %s exited with %d: %s",
			creds, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return &Result{Rows: parseRows(result.Stdout)}, nil
}
