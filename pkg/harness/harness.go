// Package harness drives black-box tests against containers of the PostgreSQL image.
package harness

import (
	"fmt"
	"time"

	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/log"
	"github.com/isnastish/pgharness/pkg/pgenv"
	"github.com/isnastish/pgharness/pkg/runtime"
	"github.com/isnastish/pgharness/pkg/sqlclient"
)

type Config struct {
	// Expected in the psql --version output, may be empty
	Version         string
	Port            int
	ConfigFile      string
	DataDir         string
	Readiness       sqlclient.Poll
	CreationTimeout time.Duration
}

var DefaultConfig = Config{
	Port:            sqlclient.DefaultPort,
	ConfigFile:      "/var/lib/pgsql/openshift-custom-postgresql.conf",
	DataDir:         "/var/lib/pgsql/data",
	Readiness:       sqlclient.DefaultPoll,
	CreationTimeout: 60 * time.Second,
}

// AssertionError is an observed outcome that differs from the expected one.
type AssertionError struct {
	Assertion string
	Message   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %s failed: %s", e.Assertion, e.Message)
}

func failed(assertion, format string, args ...interface{}) error {
	return errors.Trace(&AssertionError{Assertion: assertion, Message: fmt.Sprintf(format, args...)})
}

func IsAssertionError(err error) bool {
	_, ok := errors.Cause(err).(*AssertionError)
	return ok
}

type logger interface {
	Debug(fmt string, args ...interface{})
	Info(fmt string, args ...interface{})
	Warn(fmt string, args ...interface{})
	Error(fmt string, args ...interface{})
}

type Harness struct {
	rt         runtime.Runtime
	client     sqlclient.Client
	containers *Containers
	cfg        Config
	log        logger
}

func New(rt runtime.Runtime, client sqlclient.Client, containers *Containers, cfg Config) *Harness {
	if cfg.Port == 0 {
		cfg.Port = DefaultConfig.Port
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = DefaultConfig.ConfigFile
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultConfig.DataDir
	}
	if cfg.Readiness.Attempts <= 0 {
		cfg.Readiness = DefaultConfig.Readiness
	}
	if cfg.CreationTimeout <= 0 {
		cfg.CreationTimeout = DefaultConfig.CreationTimeout
	}
	return &Harness{rt: rt, client: client, containers: containers, cfg: cfg, log: log.Logger}
}

// scoped returns a copy whose log lines, container lifecycle included, carry
// the scenario name.
func (h *Harness) scoped(scenario string) *Harness {
	c := *h
	c.log = log.Logger.With("scenario", scenario)
	c.containers = h.containers.scoped(scenario)
	return &c
}

func (h *Harness) Containers() *Containers {
	return h.containers
}

func (h *Harness) target(ip string) sqlclient.Target {
	return sqlclient.Target{Host: ip, Port: h.cfg.Port}
}

// userCredentials returns the regular account of s.
func userCredentials(s pgenv.Settings) sqlclient.Credentials {
	return sqlclient.Credentials{User: s.User, Password: s.Password, Database: s.Database}
}

// adminCredentials returns the superuser account, on the user database when there is one.
func adminCredentials(s pgenv.Settings) sqlclient.Credentials {
	database := s.Database
	if database == "" {
		database = pgenv.AdminUser
	}
	return sqlclient.Credentials{User: pgenv.AdminUser, Password: s.AdminPassword, Database: database}
}

// primaryCredentials picks the account readiness is polled with.
func primaryCredentials(s pgenv.Settings) sqlclient.Credentials {
	if s.HasUser() {
		return userCredentials(s)
	}
	return adminCredentials(s)
}
