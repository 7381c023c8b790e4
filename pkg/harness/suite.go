package harness

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/log"
	"github.com/isnastish/pgharness/pkg/pgenv"
)

const teardownTimeout = 2 * time.Minute

var ErrImageMissing = errors.New("image not found")

type SuiteOptions struct {
	Scenarios          []Scenario
	SkipCreationTests  bool
	SkipChangePassword bool
}

// Suite runs the container creation tests, every scenario and the change
// password test in order, stopping at the first failure.
type Suite struct {
	h    *Harness
	opts SuiteOptions
}

func NewSuite(h *Harness, opts SuiteOptions) *Suite {
	return &Suite{h: h, opts: opts}
}

func (s *Suite) checkPreconditions(ctx context.Context) error {
	rt := s.h.rt
	if err := rt.Ping(ctx); err != nil {
		return errors.Annotatef(err, "%s is not usable", rt.Name())
	}
	image := s.h.containers.Image()
	exists, err := rt.ImageExists(ctx, image)
	if err != nil {
		return errors.Trace(err)
	}
	if !exists {
		return errors.Annotatef(ErrImageMissing, "%s", image)
	}
	log.Logger.Info("Testing %s with %s and the %s client", image, rt.Name(), s.h.client.Name())
	return nil
}

func (s *Suite) runCreationTests(ctx context.Context) error {
	h := s.h.scoped("container_creation")
	for _, combo := range pgenv.InvalidCombinations() {
		if err := h.AssertCreationFails(ctx, "creation_"+combo.Name, combo.Env); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the suite. Containers are torn down on every path, on a fresh
// context so a cancelled run still cleans up; teardown errors are joined to the result.
func (s *Suite) Run(ctx context.Context) (err error) {
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		log.Logger.Info("Cleaning up containers")
		if teardownErr := s.h.containers.Teardown(teardownCtx); teardownErr != nil {
			err = stderrors.Join(err, errors.Annotatef(teardownErr, "teardown"))
		}
	}()

	if err := s.checkPreconditions(ctx); err != nil {
		return err
	}

	if !s.opts.SkipCreationTests {
		if err := s.runCreationTests(ctx); err != nil {
			return err
		}
	}

	for _, sc := range s.opts.Scenarios {
		if err := s.h.RunTests(ctx, sc); err != nil {
			return errors.Annotatef(err, "scenario %s", sc.Name)
		}
	}

	if !s.opts.SkipChangePassword {
		if err := s.h.RunChangePasswordTest(ctx); err != nil {
			return errors.Annotatef(err, "change password test")
		}
	}

	log.Logger.Info("All tests passed")
	return nil
}
