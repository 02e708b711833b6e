package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/report"
	"github.com/go-go-golems/stackctl/pkg/state"
)

func newStatusCmd() *cobra.Command {
	var tailLines int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the last deployment and whether its processes are still alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			run, err := state.Load(opts.Root)
			if err != nil {
				return errors.Wrap(err, "no recorded deployment (run stackctl up first)")
			}

			sum := report.Build(run.Snapshot())
			byName := sum.ByName()

			type liveService struct {
				report.ServiceSummary
				PID         int      `json:"pid,omitempty"`
				ContainerID string   `json:"container_id,omitempty"`
				Alive       bool     `json:"alive"`
				StderrTail  []string `json:"stderr_tail,omitempty"`
			}
			rows := make([]liveService, 0, len(run.Services))
			for _, svc := range run.Services {
				row := liveService{
					ServiceSummary: byName[svc.Name],
					PID:            svc.PID,
					ContainerID:    svc.ContainerID,
				}
				if svc.PID > 0 {
					row.Alive = state.ProcessAlive(svc.PID)
					if !row.Alive && tailLines > 0 && svc.StderrLog != "" {
						if lines, err := state.TailLines(svc.StderrLog, tailLines); err == nil {
							row.StderrTail = lines
						}
					}
				}
				rows = append(rows, row)
			}

			if asJSON {
				b, err := json.MarshalIndent(map[string]any{
					"run_id":          sum.RunID,
					"overall_healthy": sum.OverallHealthy(),
					"services":        rows,
				}, "", "  ")
				if err != nil {
					return errors.Wrap(err, "marshal status")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprint(out, sum.Render())
			for _, row := range rows {
				if row.PID > 0 && !row.Alive {
					_, _ = fmt.Fprintf(out, "  %s: recorded pid %d is no longer running\n", row.Name, row.PID)
					for _, line := range row.StderrTail {
						_, _ = fmt.Fprintf(out, "    %s\n", line)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tailLines, "tail-lines", 25, "How many stderr lines to include for dead services")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Machine-readable output")
	return cmd
}
