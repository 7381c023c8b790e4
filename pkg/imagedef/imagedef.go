// Package imagedef describes how the PostgreSQL image is built and renders
// the description into a Dockerfile.
package imagedef

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"text/template"

	"github.com/pingcap/errors"
	"gopkg.in/yaml.v3"

	"github.com/isnastish/pgharness/pkg/log"
	"github.com/isnastish/pgharness/pkg/runtime"
)

var (
	//go:embed default.yaml
	defaultDefinition []byte

	//go:embed Dockerfile.tmpl
	dockerfileTemplate string

	dockerfile = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
		"join":  strings.Join,
		"quote": strconv.Quote,
		"json": func(v interface{}) (string, error) {
			data, err := json.Marshal(v)
			return string(data), err
		},
	}).Parse(dockerfileTemplate))
)

type User struct {
	Name string `yaml:"name"`
	UID  int    `yaml:"uid"`
	GID  int    `yaml:"gid"`
	Home string `yaml:"home"`
}

type Copy struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
}

type Definition struct {
	Name          string            `yaml:"name"`
	Version       string            `yaml:"version"`
	Base          string            `yaml:"base"`
	Summary       string            `yaml:"summary"`
	EnableModules []string          `yaml:"enableModules"`
	Packages      []string          `yaml:"packages"`
	User          User              `yaml:"user"`
	Env           map[string]string `yaml:"env"`
	Labels        map[string]string `yaml:"labels"`
	Ports         []int             `yaml:"ports"`
	Volumes       []string          `yaml:"volumes"`
	// Created at build time and handed over to the service user
	DataDirs   []string `yaml:"dataDirs"`
	SCLEnable  string   `yaml:"sclEnable"`
	Copy       []Copy   `yaml:"copy"`
	Entrypoint []string `yaml:"entrypoint"`
	Cmd        []string `yaml:"cmd"`
}

func Load(r io.Reader) (*Definition, error) {
	def := &Definition{}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(def); err != nil {
		return nil, errors.Annotatef(err, "failed to parse image definition")
	}
	return def, nil
}

func LoadFile(path string) (*Definition, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open image definition")
	}
	defer file.Close()
	return Load(file)
}

// Default returns the definition the harness ships with.
func Default() *Definition {
	def, err := Load(bytes.NewReader(defaultDefinition))
	if err != nil {
		panic(err)
	}
	return def
}

func (d *Definition) Validate() error {
	if d.Base == "" {
		return errors.NotValidf("empty base image")
	}
	if d.Version == "" {
		return errors.NotValidf("empty version")
	}
	if len(d.Packages) == 0 {
		return errors.NotValidf("empty package list")
	}
	if d.User.Name == "" || d.User.Name == "root" {
		return errors.NotValidf("service user %q", d.User.Name)
	}
	if d.User.UID <= 0 || d.User.GID <= 0 {
		return errors.NotValidf("service user ids %d:%d, the image must not run as root", d.User.UID, d.User.GID)
	}
	if d.User.Home == "" {
		return errors.NotValidf("empty home of %s", d.User.Name)
	}
	if d.SCLEnable == "" {
		return errors.NotValidf("empty collection enable script")
	}
	if len(d.Entrypoint) == 0 || len(d.Cmd) == 0 {
		return errors.NotValidf("entrypoint %q with command %q", d.Entrypoint, d.Cmd)
	}
	for _, port := range d.Ports {
		if port <= 0 || port > 65535 {
			return errors.NotValidf("port %d", port)
		}
	}
	for key := range d.Env {
		if key == "" || strings.ContainsAny(key, " =") {
			return errors.NotValidf("environment variable name %q", key)
		}
	}
	return nil
}

func (d *Definition) Render(w io.Writer) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return errors.Annotatef(dockerfile.Execute(w, d), "failed to render Dockerfile")
}

// Build renders the Dockerfile and builds it with contextDir as the build context.
func Build(ctx context.Context, builder runtime.Builder, def *Definition, tag, contextDir string) error {
	var buf bytes.Buffer
	if err := def.Render(&buf); err != nil {
		return err
	}
	log.Logger.Info("Building %s from %s", tag, def.Base)
	return builder.Build(ctx, runtime.BuildOptions{
		Tag:        tag,
		ContextDir: contextDir,
		Dockerfile: buf.Bytes(),
	})
}
