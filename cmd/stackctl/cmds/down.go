package cmds

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/launch"
	"github.com/go-go-golems/stackctl/pkg/state"
)

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop every service recorded by the last deployment and clear its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			run, err := state.LoadOptional(opts.Root)
			if err != nil {
				return err
			}
			if run == nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "nothing to stop")
				return nil
			}

			l := launch.New(launch.Options{Root: opts.Root, ShutdownTimeout: opts.Timeout})

			// Reverse start order: dependents go down before the
			// services they depend on.
			var firstErr error
			for i := len(run.Services) - 1; i >= 0; i-- {
				svc := run.Services[i]
				h := launch.Handle{PID: svc.PID, ContainerID: svc.ContainerID}
				if h.PID > 0 && !state.ProcessAlive(h.PID) {
					h.PID = 0
				}
				if h.Empty() {
					continue
				}
				log.Info().Str("service", svc.Name).Int("pid", h.PID).Msg("stopping service")
				if err := l.Stop(cmd.Context(), h); err != nil {
					log.Warn().Str("service", svc.Name).Err(err).Msg("stop failed")
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			if firstErr != nil {
				// Keep the state file so a retry still knows the pids.
				return firstErr
			}

			if err := state.Remove(opts.Root); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
