package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"

	"github.com/isnastish/pgharness/pkg/config"
	"github.com/isnastish/pgharness/pkg/harness"
	"github.com/isnastish/pgharness/pkg/imagedef"
	"github.com/isnastish/pgharness/pkg/log"
	"github.com/isnastish/pgharness/pkg/registry"
	"github.com/isnastish/pgharness/pkg/runtime"
	info "github.com/isnastish/pgharness/pkg/serviceinfo"
	"github.com/isnastish/pgharness/pkg/sqlclient"
)

// App wires the commands of the pgharness binary.
type App struct {
	rootCmd *cobra.Command

	configPath string

	// run
	scenarios          []string
	skipCreationTests  bool
	skipChangePassword bool

	// image
	definition string
	tag        string
	contextDir string
}

func NewApp() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   info.ServiceName(),
		Short: "Integration tests and image definition for the PostgreSQL container image",
		Long: `pgharness builds the PostgreSQL container image and runs black-box tests
against containers started from it: invalid configurations must be refused,
valid ones must accept the configured accounts and keep data across restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := a.rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to a YAML config file (default ./pgharness.yaml if present)")
	flags.String("image", "", "Image under test, IMAGE_NAME in the environment")
	flags.String("version", "", "PostgreSQL version of the image, VERSION in the environment")
	flags.String("runtime", "", "Container runtime driver (cli|engine)")
	flags.String("binary", "", "Container runtime executable for the cli driver (docker|podman)")
	flags.String("client", "", "SQL client (psql|pgx)")
	flags.String("log-level", "", "Global logging level (debug|info|warn|error|fatal|panic|disabled)")

	a.rootCmd.AddCommand(a.runCmd(), a.imageCmd(), a.versionCmd())
}

func (a *App) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	log.SetupGlobalLogLevel(cfg.Log.Level)
	return cfg, nil
}

func (a *App) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the test suite against the image",
		RunE:  a.run,
	}
	cmd.Flags().StringSliceVar(&a.scenarios, "scenario", nil, "Run only the named scenarios (repeatable)")
	cmd.Flags().BoolVar(&a.skipCreationTests, "skip-creation-tests", false, "Skip the invalid configuration tests")
	cmd.Flags().BoolVar(&a.skipChangePassword, "skip-change-password", false, "Skip the change password test")
	return cmd
}

func (a *App) run(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	scenarios, err := cfg.SelectScenarios(a.scenarios)
	if err != nil {
		return err
	}

	rt, err := runtime.New(cfg.Runtime.Driver, cfg.Runtime.Binary, cfg.Runtime.Host)
	if err != nil {
		return err
	}
	if engine, ok := rt.(*runtime.Engine); ok {
		defer engine.Close()
	}

	reg, err := registry.New(cfg.Registry.Dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Logger.Warn("Failed to remove registry: %v", err)
		}
	}()
	log.Logger.Debug("Container id files are kept in %s", reg.Dir())

	runID := uuid.NewString()[:8]
	image := cfg.ImageRef()
	containers := harness.NewContainers(rt, reg, image, runID)
	client, err := sqlclient.New(cfg.Client.Driver, containers.OneOff("psql"), image, cfg.Client.ConnectTimeout)
	if err != nil {
		return err
	}
	h := harness.New(rt, client, containers, cfg.Harness())

	suite := harness.NewSuite(h, harness.SuiteOptions{
		Scenarios:          scenarios,
		SkipCreationTests:  a.skipCreationTests,
		SkipChangePassword: a.skipChangePassword,
	})
	return suite.Run(cmd.Context())
}

func (a *App) imageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Render or build the image definition",
	}
	cmd.PersistentFlags().StringVar(&a.definition, "definition", "", "Image definition YAML (default: the built-in definition)")

	render := &cobra.Command{
		Use:   "render",
		Short: "Print the Dockerfile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			def, err := a.loadDefinition(cfg)
			if err != nil {
				return err
			}
			return def.Render(cmd.OutOrStdout())
		},
	}

	build := &cobra.Command{
		Use:   "build",
		Short: "Build the image with the container runtime",
		RunE:  a.build,
	}
	build.Flags().StringVar(&a.tag, "tag", "", "Image tag (default: the image under test)")
	build.Flags().StringVar(&a.contextDir, "context", ".", "Build context directory")

	cmd.AddCommand(render, build)
	return cmd
}

func (a *App) loadDefinition(cfg *config.Config) (*imagedef.Definition, error) {
	path := a.definition
	if path == "" {
		path = cfg.Image.Definition
	}
	if path == "" {
		return imagedef.Default(), nil
	}
	return imagedef.LoadFile(path)
}

func (a *App) build(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	def, err := a.loadDefinition(cfg)
	if err != nil {
		return err
	}

	tag := a.tag
	if tag == "" {
		tag = cfg.ImageRef()
	}
	if tag == "" {
		return errors.NotValidf("empty image tag, pass --tag or --image")
	}

	// Only the cli driver builds, the engine API would need a tar stream of the context.
	return imagedef.Build(cmd.Context(), runtime.NewCLI(cfg.Runtime.Binary), def, tag, a.contextDir)
}

func (a *App) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.ServiceName(), info.ServiceVersion())
		},
	}
}

func (a *App) Execute() int {
	ctx, stop := notifyContext()
	defer stop()

	if err := a.rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", info.ServiceName(), err)
		return 1
	}
	return 0
}
