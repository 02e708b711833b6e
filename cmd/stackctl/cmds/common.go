package cmds

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/config"
	"github.com/go-go-golems/stackctl/pkg/registry"
)

type rootOptions struct {
	Root    string
	Config  string
	Timeout time.Duration
}

func AddRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("root", "", "Deployment root (defaults to current directory)")
	root.PersistentFlags().String("config", "", "Path to stack config (defaults to .stackctl.yaml under root)")
	root.PersistentFlags().Duration("timeout", 5*time.Second, "Graceful-stop timeout per service")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	root, err := cmd.Root().PersistentFlags().GetString("root")
	if err != nil {
		return rootOptions{}, err
	}
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return rootOptions{}, err
	}

	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cfgPath = config.DefaultPath(root)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(root, cfgPath)
	}

	timeout, err := cmd.Root().PersistentFlags().GetDuration("timeout")
	if err != nil {
		return rootOptions{}, err
	}
	if timeout <= 0 {
		return rootOptions{}, errors.New("timeout must be > 0")
	}

	return rootOptions{
		Root:    root,
		Config:  cfgPath,
		Timeout: timeout,
	}, nil
}

// loadRegistry resolves the stack definition: the yaml config when one
// exists, the builtin stack otherwise.
func loadRegistry(opts rootOptions) (*registry.Registry, error) {
	cfg, err := config.LoadOptional(opts.Config)
	if err != nil {
		return nil, err
	}
	specs, err := cfg.ServiceSpecs()
	if err != nil {
		return nil, err
	}
	return registry.New(specs)
}
