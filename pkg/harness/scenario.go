package harness

import (
	"context"
	"os"
	"strconv"

	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/pgenv"
	"github.com/isnastish/pgharness/pkg/runtime"
	"github.com/isnastish/pgharness/pkg/sqlclient"
)

// Scenario is one container configuration checked by RunTests.
type Scenario struct {
	Name     string         `yaml:"name" mapstructure:"name"`
	Settings pgenv.Settings `yaml:"settings" mapstructure:"settings"`
	// Numeric uid to run as, empty for the image default
	UID string `yaml:"uid" mapstructure:"uid"`
}

const (
	defaultMaxConnections = 42
	defaultSharedBuffers  = "64MB"
)

// DefaultScenarios covers a regular account, a regular account with a superuser
// password and a superuser password alone, each also run as altUID.
func DefaultScenarios(altUID string) []Scenario {
	base := []Scenario{
		{Name: "no_admin", Settings: pgenv.Settings{User: "user", Password: "pass", Database: "db"}},
		{Name: "admin", Settings: pgenv.Settings{User: "user", Password: "pass", Database: "db", AdminPassword: "r00t"}},
		{Name: "only_admin", Settings: pgenv.Settings{AdminPassword: "r00t"}},
	}

	scenarios := make([]Scenario, 0, 2*len(base))
	for _, sc := range base {
		sc.Settings.MaxConnections = defaultMaxConnections
		sc.Settings.SharedBuffers = defaultSharedBuffers
		scenarios = append(scenarios, sc)
	}
	if altUID == "" {
		return scenarios
	}
	for _, sc := range scenarios[:len(base)] {
		sc.Name += "_altuid"
		sc.UID = altUID
		scenarios = append(scenarios, sc)
	}
	return scenarios
}

func (h *Harness) startAndWait(ctx context.Context, name string, spec Spec) (sqlclient.Target, error) {
	if _, err := h.containers.Create(ctx, name, spec); err != nil {
		return sqlclient.Target{}, errors.Trace(err)
	}
	ip, err := h.containers.IP(ctx, name)
	if err != nil {
		return sqlclient.Target{}, errors.Trace(err)
	}
	target := h.target(ip)

	creds := primaryCredentials(spec.Settings)
	if err := sqlclient.WaitForConnection(ctx, h.client, target, creds, h.cfg.Readiness); err != nil {
		return sqlclient.Target{}, errors.Annotatef(err, "container %s never accepted connections", name)
	}
	return target, nil
}

// RunTests creates a container for sc and checks logins, local access,
// the materialized configuration and, with a regular account, a data round trip.
func (h *Harness) RunTests(ctx context.Context, sc Scenario) error {
	h = h.scoped(sc.Name)
	h.log.Info("Running scenario %s", sc.Name)

	settings := sc.Settings
	target, err := h.startAndWait(ctx, sc.Name, Spec{Settings: settings, User: sc.UID})
	if err != nil {
		return errors.Trace(err)
	}

	if err := h.AssertSCLUsage(ctx, sc.Name, "psql --version", "psql (PostgreSQL) "+h.cfg.Version); err != nil {
		return err
	}

	if settings.HasUser() {
		user := userCredentials(settings)
		if err := h.AssertLogin(ctx, target, user, ExpectSuccess); err != nil {
			return err
		}
		if err := h.AssertLogin(ctx, target, user.WithPassword(user.Password+"_foo"), ExpectFailure); err != nil {
			return err
		}
	}

	admin := adminCredentials(settings)
	if settings.HasAdmin() {
		if err := h.AssertLogin(ctx, target, admin, ExpectSuccess); err != nil {
			return err
		}
		if err := h.AssertLogin(ctx, target, admin.WithPassword(admin.Password+"_foo"), ExpectFailure); err != nil {
			return err
		}
	} else {
		// Without an admin password the superuser is reachable over the local socket only.
		for _, password := range []string{"", "foo"} {
			if err := h.AssertLogin(ctx, target, admin.WithPassword(password), ExpectFailure); err != nil {
				return err
			}
		}
	}

	if err := h.AssertLocalAccess(ctx, sc.Name); err != nil {
		return err
	}

	if settings.MaxConnections > 0 {
		if err := h.AssertRuntimeOption(ctx, sc.Name, "max_connections", strconv.Itoa(settings.MaxConnections)); err != nil {
			return err
		}
	}
	if settings.SharedBuffers != "" {
		if err := h.AssertRuntimeOption(ctx, sc.Name, "shared_buffers", settings.SharedBuffers); err != nil {
			return err
		}
	}

	if settings.HasUser() {
		var adminPtr *sqlclient.Credentials
		if settings.HasAdmin() {
			adminPtr = &admin
		}
		if err := h.AssertDataRoundTrip(ctx, target, userCredentials(settings), adminPtr); err != nil {
			return err
		}
	}

	h.log.Info("Scenario %s passed", sc.Name)
	return nil
}

// RunChangePasswordTest starts a container over a host data directory, then a
// second one over the same directory with new passwords. Only the new
// passwords must be accepted afterwards, for the regular and the superuser account.
func (h *Harness) RunChangePasswordTest(ctx context.Context) error {
	h = h.scoped("change_password")
	h.log.Info("Running change password test")

	const (
		first  = "change_password"
		second = "change_password_new"
	)

	dir, err := os.MkdirTemp("", "pgharness-data-")
	if err != nil {
		return errors.Annotatef(err, "failed to create data directory")
	}
	defer func() {
		// Both servers go before the directory they write to.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		for _, name := range []string{second, first} {
			if err := h.containers.Remove(cleanupCtx, name); err != nil {
				h.log.Warn("Failed to remove container %s: %v", name, err)
			}
		}
		// Files created by the container user may not be removable from the host.
		if err := os.RemoveAll(dir); err != nil {
			h.log.Warn("Failed to remove data directory %s: %v", dir, err)
		}
	}()
	// The container may run as any uid.
	if err := os.Chmod(dir, 0777); err != nil {
		return errors.Annotatef(err, "failed to open up data directory")
	}
	volume := runtime.Mount{Source: dir, Target: h.cfg.DataDir, Options: "Z"}

	initial := pgenv.Settings{User: "user", Password: "password", Database: "db", AdminPassword: "adminPassword"}
	target, err := h.startAndWait(ctx, first, Spec{Settings: initial, Volumes: []runtime.Mount{volume}})
	if err != nil {
		return errors.Trace(err)
	}
	if err := h.AssertLogin(ctx, target, userCredentials(initial), ExpectSuccess); err != nil {
		return err
	}
	if err := h.AssertLogin(ctx, target, adminCredentials(initial), ExpectSuccess); err != nil {
		return err
	}
	if err := h.containers.Stop(ctx, first); err != nil {
		return errors.Trace(err)
	}

	changed := initial
	changed.Password = "NEW_" + initial.Password
	changed.AdminPassword = "NEW_" + initial.AdminPassword
	target, err = h.startAndWait(ctx, second, Spec{Settings: changed, Volumes: []runtime.Mount{volume}})
	if err != nil {
		return errors.Trace(err)
	}

	checks := []struct {
		creds  sqlclient.Credentials
		expect Expect
	}{
		{userCredentials(initial), ExpectFailure},
		{userCredentials(changed), ExpectSuccess},
		{adminCredentials(initial), ExpectFailure},
		{adminCredentials(changed), ExpectSuccess},
	}
	for _, check := range checks {
		if err := h.AssertLogin(ctx, target, check.creds, check.expect); err != nil {
			return err
		}
	}

	h.log.Info("Change password test passed")
	return nil
}
