// Package registry keeps the ID files of every container a run creates,
// one file per logical name holding the runtime-assigned container ID.
// Teardown walks the directory, so containers of failed scenarios are found too.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

var (
	ErrExists   = errors.New("container name already registered")
	ErrNotFound = errors.New("container name not registered")
)

type Registry struct {
	dir string
	// set when the registry created dir itself and should remove it on Close
	owned bool
}

type Entry struct {
	Name string
	ID   string
}

// New opens a registry in dir. An empty dir creates a fresh
// pgharness-<uuid> directory under the system temp dir.
func New(dir string) (*Registry, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "pgharness-"+uuid.NewString())
		if err := os.Mkdir(dir, 0700); err != nil {
			return nil, errors.Annotatef(err, "failed to create registry dir")
		}
		return &Registry{dir: dir, owned: true}, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Annotatef(err, "failed to create registry dir %s", dir)
	}
	return &Registry{dir: dir}, nil
}

func (r *Registry) Dir() string {
	return r.dir
}

// Path returns the ID file for name. The runtime may write it directly (docker run --cidfile).
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dir, name)
}

// Reserve checks name is unused. docker run --cidfile refuses an existing file,
// so reserving up front gives a clearer error.
func (r *Registry) Reserve(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", errors.NotValidf("container name %q", name)
	}
	path := r.Path(name)
	if _, err := os.Stat(path); err == nil {
		return "", errors.Annotatef(ErrExists, "%s", name)
	}
	return path, nil
}

// Record writes id for name, used when the runtime didn't write the file itself.
func (r *Registry) Record(name, id string) error {
	path := r.Path(name)
	if data, err := os.ReadFile(path); err == nil {
		if strings.TrimSpace(string(data)) == id {
			return nil
		}
		return errors.Annotatef(ErrExists, "%s", name)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return errors.Annotatef(err, "failed to record container %s", name)
	}
	return nil
}

func (r *Registry) Lookup(name string) (string, error) {
	data, err := os.ReadFile(r.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Annotatef(ErrNotFound, "%s", name)
		}
		return "", errors.Trace(err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", errors.Annotatef(ErrNotFound, "%s has an empty id file", name)
	}
	return id, nil
}

// Entries lists all recorded containers sorted by name.
// An ID file left empty by an aborted create yields an Entry with an empty ID.
func (r *Registry) Entries() ([]Entry, error) {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to list registry %s", r.dir)
	}
	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := os.ReadFile(r.Path(f.Name()))
		if err != nil {
			return nil, errors.Trace(err)
		}
		entries = append(entries, Entry{Name: f.Name(), ID: strings.TrimSpace(string(data))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (r *Registry) Forget(name string) error {
	if err := os.Remove(r.Path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "failed to remove id file of %s", name)
	}
	return nil
}

// Close removes the registry directory if it created it and nothing is left inside.
func (r *Registry) Close() error {
	if !r.owned {
		return nil
	}
	if err := os.Remove(r.dir); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "failed to remove registry dir %s", r.dir)
	}
	return nil
}
