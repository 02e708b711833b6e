package installer

import (
	"context"
	"regexp"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/pkg/errors"

	"github.com/go-go-golems/stackctl/pkg/registry"
)

var versionRe = regexp.MustCompile(`\d+\.\d+(?:\.\d+)?`)

// versionSatisfied runs `tool --version` and compares the first
// version-looking token against the requirement.
func (i *Installer) versionSatisfied(ctx context.Context, tool registry.ToolRequirement) (bool, string, error) {
	min, err := goversion.NewVersion(tool.MinVersion)
	if err != nil {
		return false, "", errors.Wrapf(err, "bad min_version %q for %s", tool.MinVersion, tool.Name)
	}

	out, err := i.runner.Run(ctx, tool.Name, "--version")
	if err != nil {
		return false, "", errors.Wrapf(err, "%s --version", tool.Name)
	}

	detected, err := parseVersion(out)
	if err != nil {
		return false, "", err
	}
	return detected.GreaterThanOrEqual(min), detected.String(), nil
}

func parseVersion(out string) (*goversion.Version, error) {
	m := versionRe.FindString(out)
	if m == "" {
		return nil, errors.Errorf("no version in output %q", strings.TrimSpace(firstLine(out)))
	}
	v, err := goversion.NewVersion(m)
	if err != nil {
		return nil, errors.Wrapf(err, "parse version %q", m)
	}
	return v, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
