package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/launch"
	"github.com/go-go-golems/stackctl/pkg/report"
	"github.com/go-go-golems/stackctl/pkg/sequencer"
	"github.com/go-go-golems/stackctl/pkg/state"
)

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Deploy the stack: install tools, start services in dependency order, probe health",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			reg, err := loadRegistry(opts)
			if err != nil {
				return err
			}

			prior, err := state.LoadOptional(opts.Root)
			if err != nil {
				log.Warn().Err(err).Msg("could not read previous run state; continuing without it")
				prior = nil
			}

			// SIGINT/SIGTERM stop the walk between services; already
			// started services are left running and recorded.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bus, err := events.NewInMemoryBus()
			if err != nil {
				return err
			}
			bus.AddHandler("log-progress", logProgress)

			busCtx, cancelBus := context.WithCancel(ctx)
			defer cancelBus()

			g, gctx := errgroup.WithContext(busCtx)
			g.Go(func() error { return bus.Run(gctx) })

			seq := sequencer.New(sequencer.Options{
				Root:     opts.Root,
				Launcher: launch.New(launch.Options{Root: opts.Root, ShutdownTimeout: opts.Timeout}),
				Emitter:  events.NewBusEmitter(bus.Publisher()),
				PriorRun: prior,
			})

			var run *state.DeploymentRun
			var deployErr error
			g.Go(func() error {
				defer cancelBus()
				run, deployErr = seq.Deploy(ctx, reg)
				return deployErr
			})
			if err := g.Wait(); err != nil && deployErr == nil {
				log.Warn().Err(err).Msg("event bus stopped with error")
			}
			if deployErr != nil {
				return deployErr
			}

			if err := state.Save(opts.Root, run); err != nil {
				return err
			}

			sum := report.Build(run.Snapshot())
			_, _ = fmt.Fprint(cmd.OutOrStdout(), sum.Render())
			if !sum.OverallHealthy() {
				return errors.New("stack not healthy; see summary above")
			}
			return nil
		},
	}
}

// logProgress mirrors the deployment event stream into the structured
// log. Events are advisory; a malformed one is noted and dropped.
func logProgress(msg *message.Message) error {
	env, err := events.Parse(msg)
	if err != nil {
		log.Warn().Err(err).Msg("unparseable deploy event")
		return nil
	}
	ev := log.Info()
	if env.Service != "" {
		ev = ev.Str("service", env.Service)
	}
	for k, v := range env.Fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(env.Type)
	return nil
}
