package harness

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/pgenv"
	"github.com/isnastish/pgharness/pkg/runtime"
	"github.com/isnastish/pgharness/pkg/sqlclient"
)

type fakeContainer struct {
	id       string
	opts     runtime.RunOptions
	ip       string
	running  bool
	exitCode int
	logs     string
	rows     [][]string
}

func (c *fakeContainer) env() map[string]string {
	vars := make(map[string]string)
	for _, kv := range c.opts.Env {
		key, value, _ := strings.Cut(kv, "=")
		vars[key] = value
	}
	return vars
}

// fakeRuntime behaves like the image under test: the entrypoint rejects
// invalid environments and the config file reflects the settings.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	order      []*fakeContainer
	next       int
	removed    []string

	pingErr      error
	missingImage bool
	// replaces the foreground process of RunOnce, the container stays if it fails
	runOnce func(ctx context.Context, opts runtime.RunOptions) (*runtime.Result, error)
	// replaces Exec
	exec func(c *fakeContainer, opts runtime.ExecOptions) (*runtime.Result, error)
	// called with the lock held, before a container is removed
	beforeRemove func(c *fakeContainer)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return errors.Annotatef(runtime.ErrUnavailable, "%v", f.pingErr)
	}
	return nil
}

func (f *fakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	return !f.missingImage, nil
}

func (f *fakeRuntime) create(opts runtime.RunOptions) (*fakeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	c := &fakeContainer{
		id:      fmt.Sprintf("c%04d", f.next),
		opts:    opts,
		ip:      fmt.Sprintf("10.0.0.%d", f.next),
		running: true,
	}
	if opts.CIDFile != "" {
		if err := os.WriteFile(opts.CIDFile, []byte(c.id), 0600); err != nil {
			return nil, err
		}
	}
	f.containers[c.id] = c
	f.order = append(f.order, c)
	return c, nil
}

func (f *fakeRuntime) lookup(id string) (*fakeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, errors.Annotatef(runtime.ErrNotFound, "%s", id)
	}
	return c, nil
}

func (f *fakeRuntime) byIP(ip string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.ip == ip && c.running {
			return c
		}
	}
	return nil
}

func (f *fakeRuntime) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeRuntime) Run(ctx context.Context, opts runtime.RunOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := f.create(opts)
	if err != nil {
		return "", err
	}
	return c.id, nil
}

func (f *fakeRuntime) RunOnce(ctx context.Context, opts runtime.RunOptions) (*runtime.Result, error) {
	c, err := f.create(opts)
	if err != nil {
		return nil, err
	}

	var result *runtime.Result
	switch {
	case f.runOnce != nil:
		result, err = f.runOnce(ctx, opts)
		if err != nil {
			return result, err
		}
	case len(opts.Cmd) > 0:
		result = f.shell(c, opts.Cmd)
	default:
		result = &runtime.Result{}
		if reason := pgenv.Validate(opts.Env); reason != nil {
			result = &runtime.Result{Stderr: reason.Error(), ExitCode: 1}
		}
	}

	if opts.AutoRemove {
		f.mu.Lock()
		delete(f.containers, c.id)
		f.mu.Unlock()
	}
	return result, nil
}

func (f *fakeRuntime) shell(c *fakeContainer, cmd []string) *runtime.Result {
	line := strings.Join(cmd, " ")
	switch {
	case strings.HasSuffix(line, "psql --version"):
		return &runtime.Result{Stdout: "psql (PostgreSQL) 16.4\n"}
	case strings.HasPrefix(line, "cat "):
		env := c.env()
		var conf strings.Builder
		conf.WriteString("# custom OpenShift configuration\n")
		if v, ok := env[pgenv.MaxConnections]; ok {
			conf.WriteString("max_connections = " + v + "\n")
		}
		if v, ok := env[pgenv.SharedBuffers]; ok {
			conf.WriteString("shared_buffers = " + v + "  # from the environment\n")
		}
		return &runtime.Result{Stdout: conf.String()}
	case line == "bash -c psql":
		return &runtime.Result{Stdout: "1\n"}
	}
	return &runtime.Result{Stderr: "command not found: " + line, ExitCode: 127}
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, opts runtime.ExecOptions) (*runtime.Result, error) {
	c, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if !c.running {
		return nil, errors.Errorf("container %s is not running", id)
	}
	if f.exec != nil {
		return f.exec(c, opts)
	}
	return f.shell(c, opts.Cmd), nil
}

func (f *fakeRuntime) IPAddress(ctx context.Context, id string) (string, error) {
	c, err := f.lookup(id)
	if err != nil {
		return "", err
	}
	return c.ip, nil
}

func (f *fakeRuntime) ExitCode(ctx context.Context, id string) (int, error) {
	c, err := f.lookup(id)
	if err != nil {
		return 0, err
	}
	return c.exitCode, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	c.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errors.Annotatef(runtime.ErrNotFound, "%s", id)
	}
	if f.beforeRemove != nil {
		f.beforeRemove(c)
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string) (string, error) {
	c, err := f.lookup(id)
	if err != nil {
		return "", err
	}
	return c.logs, nil
}

var insertRegexp = regexp.MustCompile(`INSERT INTO tbl VALUES \('(\w+)', '(\w+)'\)`)

// fakeClient authenticates against the environment of the container at the target address.
type fakeClient struct {
	rt *fakeRuntime
	// number of queries refused before the server comes up
	notReady int
	// a restarted container keeps the passwords of the first one using its data dir
	staleVolumes bool
	queries      []string
	onQuery      func()
	// rewrites the rows read back from tbl
	tamper func(rows [][]string) [][]string
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) passwords(c *fakeContainer) map[string]string {
	if !f.staleVolumes || len(c.opts.Volumes) == 0 {
		return c.env()
	}
	f.rt.mu.Lock()
	defer f.rt.mu.Unlock()
	for _, other := range f.rt.order {
		if len(other.opts.Volumes) > 0 && other.opts.Volumes[0].Source == c.opts.Volumes[0].Source {
			return other.env()
		}
	}
	return c.env()
}

func (f *fakeClient) Query(ctx context.Context, target sqlclient.Target, creds sqlclient.Credentials, sql string) (*sqlclient.Result, error) {
	if f.onQuery != nil {
		f.onQuery()
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	f.queries = append(f.queries, sql)

	if f.notReady > 0 {
		f.notReady--
		return nil, errors.Annotatef(sqlclient.ErrQueryFailed, "connection refused")
	}
	c := f.rt.byIP(target.Host)
	if c == nil {
		return nil, errors.Annotatef(sqlclient.ErrQueryFailed, "no route to host %s", target.Host)
	}

	env := f.passwords(c)
	loggedIn := false
	if creds.User == pgenv.AdminUser {
		loggedIn = env[pgenv.AdminPassword] != "" && creds.Password == env[pgenv.AdminPassword]
	} else {
		loggedIn = creds.User == env[pgenv.User] && creds.Password == env[pgenv.Password] && creds.Database == env[pgenv.Database]
	}
	if !loggedIn {
		return nil, errors.Annotatef(sqlclient.ErrQueryFailed, "password authentication failed for user %q", creds.User)
	}

	switch {
	case strings.HasPrefix(sql, "SELECT * FROM tbl"):
		rows := c.rows
		if f.tamper != nil {
			rows = f.tamper(rows)
		}
		return &sqlclient.Result{Rows: rows}, nil
	case strings.Contains(sql, "INSERT INTO tbl"):
		for _, m := range insertRegexp.FindAllStringSubmatch(sql, -1) {
			c.rows = append(c.rows, []string{m[1], m[2]})
		}
		return &sqlclient.Result{}, nil
	case sql == "SELECT 1;":
		return &sqlclient.Result{Rows: [][]string{{"1"}}}, nil
	}
	return &sqlclient.Result{}, nil
}
