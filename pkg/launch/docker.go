package launch

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DockerLauncher runs container services through the local Docker
// daemon. Containers are named, so a re-run finds and replaces the
// previous instance instead of piling up duplicates.
type DockerLauncher struct {
	cli *client.Client
}

func NewDockerLauncher() (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "docker client")
	}
	return &DockerLauncher{cli: cli}, nil
}

func (d *DockerLauncher) Start(ctx context.Context, spec Spec) (Handle, error) {
	cs := spec.Container
	if cs == nil {
		return Handle{}, errors.Errorf("service %q has no container spec", spec.Service)
	}
	if cs.Image == "" {
		return Handle{}, errors.Errorf("service %q container missing image", spec.Service)
	}

	if err := d.ensureImage(ctx, cs.Image); err != nil {
		return Handle{}, err
	}

	name := cs.Name
	if name == "" {
		name = "stackctl-" + spec.Service
	}

	exposed, bindings, err := nat.ParsePortSpecs(cs.Ports)
	if err != nil {
		return Handle{}, errors.Wrapf(err, "service %q ports", spec.Service)
	}

	env := make([]string, 0, len(cs.Env)+len(spec.Env))
	for k, v := range cs.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:        cs.Image,
		Env:          env,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        cs.Volumes,
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		// A leftover container from a previous run holds the name;
		// replace it (re-entry contract).
		log.Debug().Str("service", spec.Service).Str("container", name).Err(err).
			Msg("container create failed; removing previous instance and retrying")
		if rmErr := d.removeByName(ctx, name); rmErr != nil {
			return Handle{}, errors.Wrap(err, "create container")
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if err != nil {
			return Handle{}, errors.Wrap(err, "create container")
		}
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Handle{}, errors.Wrap(err, "start container")
	}

	log.Info().Str("service", spec.Service).Str("container", name).Str("id", created.ID[:12]).Msg("container started")
	return Handle{ContainerID: created.ID, StartedAt: time.Now()}, nil
}

func (d *DockerLauncher) Stop(ctx context.Context, h Handle) error {
	if h.ContainerID == "" {
		return nil
	}
	timeout := 10
	if err := d.cli.ContainerStop(ctx, h.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return errors.Wrap(err, "stop container")
	}
	return nil
}

// ensureImage pulls the image only when it is not already local.
func (d *DockerLauncher) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	log.Info().Str("image", ref).Msg("pulling image")
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pull image %s", ref)
	}
	defer func() { _ = rc.Close() }()
	// The pull is not complete until the response body is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errors.Wrapf(err, "pull image %s: read response", ref)
	}
	return nil
}

func (d *DockerLauncher) removeByName(ctx context.Context, name string) error {
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return errors.Wrapf(err, "remove container %s", name)
	}
	return nil
}
