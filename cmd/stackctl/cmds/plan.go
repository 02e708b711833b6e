package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the resolved start order without deploying anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			reg, err := loadRegistry(opts)
			if err != nil {
				return err
			}
			ordered, err := reg.OrderedServices()
			if err != nil {
				return err
			}

			type planRow struct {
				Name      string   `json:"name"`
				DependsOn []string `json:"depends_on,omitempty"`
				Optional  bool     `json:"optional,omitempty"`
				Command   []string `json:"command,omitempty"`
				Image     string   `json:"image,omitempty"`
				Health    string   `json:"health,omitempty"`
			}
			rows := make([]planRow, 0, len(ordered))
			for _, spec := range ordered {
				row := planRow{
					Name:      spec.Name,
					DependsOn: spec.DependsOn,
					Optional:  spec.Optional,
					Command:   spec.Command,
				}
				if spec.Container != nil {
					row.Image = spec.Container.Image
				}
				if spec.Health != nil {
					row.Health = string(spec.Health.Kind)
				}
				rows = append(rows, row)
			}

			b, err := json.MarshalIndent(map[string]any{"services": rows}, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			log.Info().Int("services", len(rows)).Msg("plan computed")
			return nil
		},
	}
}
