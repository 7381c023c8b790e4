// Package pgenv describes the environment variables the PostgreSQL image
// understands and the rules its entrypoint applies to them.
package pgenv

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pingcap/errors"
)

const (
	User           = "POSTGRESQL_USER"
	Password       = "POSTGRESQL_PASSWORD"
	Database       = "POSTGRESQL_DATABASE"
	AdminPassword  = "POSTGRESQL_ADMIN_PASSWORD"
	MaxConnections = "POSTGRESQL_MAX_CONNECTIONS"
	SharedBuffers  = "POSTGRESQL_SHARED_BUFFERS"

	// PostgreSQL truncates identifiers beyond NAMEDATALEN-1 bytes.
	MaxIdentifierLength = 63

	AdminUser = "postgres"
)

var (
	identifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	passwordRegexp   = regexp.MustCompile(`^[a-zA-Z0-9_~!@#$%^&*()-=<>,.?;:|]+$`)

	ErrInvalid = errors.New("invalid image environment")
)

// Settings is one container's configuration. Empty fields are left out of the environment.
type Settings struct {
	User           string `yaml:"user" mapstructure:"user"`
	Password       string `yaml:"password" mapstructure:"password"`
	Database       string `yaml:"database" mapstructure:"database"`
	AdminPassword  string `yaml:"adminPassword" mapstructure:"adminPassword"`
	MaxConnections int    `yaml:"maxConnections" mapstructure:"maxConnections"`
	SharedBuffers  string `yaml:"sharedBuffers" mapstructure:"sharedBuffers"`
}

func (s Settings) Env() []string {
	var env []string
	add := func(key, value string) {
		if value != "" {
			env = append(env, key+"="+value)
		}
	}
	add(User, s.User)
	add(Password, s.Password)
	add(Database, s.Database)
	add(AdminPassword, s.AdminPassword)
	if s.MaxConnections > 0 {
		add(MaxConnections, fmt.Sprint(s.MaxConnections))
	}
	add(SharedBuffers, s.SharedBuffers)
	return env
}

func (s Settings) HasUser() bool {
	return s.User != "" || s.Password != "" || s.Database != ""
}

func (s Settings) HasAdmin() bool {
	return s.AdminPassword != ""
}

func (s Settings) Validate() error {
	return Validate(s.Env())
}

func lookup(env []string) map[string]string {
	vars := make(map[string]string, len(env))
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		vars[key] = value
	}
	return vars
}

func invalid(format string, args ...interface{}) error {
	return errors.Annotatef(ErrInvalid, format, args...)
}

// Validate applies the image's startup checks to a KEY=VALUE list.
// A variable counts as set when present, even with an empty value.
func Validate(env []string) error {
	vars := lookup(env)
	user, hasUser := vars[User]
	password, hasPassword := vars[Password]
	database, hasDatabase := vars[Database]
	admin, hasAdmin := vars[AdminPassword]

	simpleDB := hasUser || hasPassword || hasDatabase
	if simpleDB {
		if !(hasUser && hasPassword && hasDatabase) {
			return invalid("%s, %s and %s must be set together", User, Password, Database)
		}
		if !identifierRegexp.MatchString(user) {
			return invalid("%s %q is not a valid identifier", User, user)
		}
		if !passwordRegexp.MatchString(password) {
			return invalid("%s contains characters outside the allowed set", Password)
		}
		if !identifierRegexp.MatchString(database) {
			return invalid("%s %q is not a valid identifier", Database, database)
		}
		if len(user) > MaxIdentifierLength {
			return invalid("%s too long (maximum %d characters)", User, MaxIdentifierLength)
		}
		if len(database) > MaxIdentifierLength {
			return invalid("%s too long (maximum %d characters)", Database, MaxIdentifierLength)
		}
	}
	if hasAdmin && !passwordRegexp.MatchString(admin) {
		return invalid("%s contains characters outside the allowed set", AdminPassword)
	}
	if !simpleDB && !hasAdmin {
		return invalid("either %s, %s and %s or %s must be set", User, Password, Database, AdminPassword)
	}
	return nil
}

// Combination is an environment the image must refuse to start with.
type Combination struct {
	Name string
	Env  []string
}

const veryLongIdentifier = "very_long_identifier_xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"

func partialTrios(suffix string, extra ...string) []Combination {
	with := func(env ...string) []string {
		return append(env, extra...)
	}
	return []Combination{
		{Name: "user_password" + suffix, Env: with(User+"=user", Password+"=pass")},
		{Name: "user_database" + suffix, Env: with(User+"=user", Database+"=db")},
		{Name: "password_database" + suffix, Env: with(Password+"=pass", Database+"=db")},
	}
}

// InvalidCombinations is the negative matrix checked before any scenario runs.
func InvalidCombinations() []Combination {
	admin := AdminPassword + "=admin_pass"
	combos := []Combination{{Name: "empty", Env: nil}}
	combos = append(combos, partialTrios("")...)
	combos = append(combos, partialTrios("_admin", admin)...)
	combos = append(combos,
		Combination{Name: "empty_user", Env: []string{User + "=", Password + "=pass", Database + "=db", admin}},
		Combination{Name: "long_user", Env: []string{User + "=" + veryLongIdentifier, Password + "=pass", Database + "=db", admin}},
		Combination{Name: "quote_password", Env: []string{User + "=user", Password + `="`, Database + "=db", admin}},
		Combination{Name: "digit_database", Env: []string{User + "=user", Password + "=pass", Database + "=9invalid", admin}},
		Combination{Name: "long_database", Env: []string{User + "=user", Password + "=pass", Database + "=" + veryLongIdentifier, admin}},
		Combination{Name: "quote_admin_password", Env: []string{User + "=user", Password + "=pass", Database + "=db", AdminPassword + `="`}},
	)
	return combos
}
