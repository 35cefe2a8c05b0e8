// Package compose inspects the container composition that hosts the mail
// service under test. It never starts or stops containers.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/elnissi-io/postfix/internal/config"
	"github.com/elnissi-io/postfix/internal/readiness"
)

// Labels set by docker compose on every container it creates.
const (
	ProjectLabel = "com.docker.compose.project"
	ServiceLabel = "com.docker.compose.service"
)

// ErrNoInstance is returned when the composition has no container for the
// configured service.
var ErrNoInstance = errors.New("compose: no instance of service")

// Instance is one container of the composition.
type Instance struct {
	ID      string
	Name    string
	Service string
	State   string
	Image   string
	Labels  map[string]string
}

// Label returns the value of a container label and whether it was set.
func (i Instance) Label(key string) (string, bool) {
	v, ok := i.Labels[key]
	return v, ok
}

// dockerAPI is the subset of the docker client used here.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// Client enumerates the instances of one compose project.
type Client struct {
	api     dockerAPI
	project string
	service string
	logger  *slog.Logger
}

// New connects to the docker daemon described by the environment (or by
// cfg.DockerHost when set) and scopes queries to cfg's project.
func New(cfg config.ComposeConfig, logger *slog.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	project := cfg.Project
	if project == "" {
		project, err = defaultProject()
		if err != nil {
			api.Close()
			return nil, err
		}
	}

	return newClient(api, project, cfg.Service, logger), nil
}

func newClient(api dockerAPI, project, service string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:     api,
		project: project,
		service: service,
		logger:  logger.With(slog.String("project", project)),
	}
}

// Project returns the compose project name queries are scoped to.
func (c *Client) Project() string {
	return c.project
}

// Instances lists every container of the project, stopped ones included,
// ordered by name.
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	list, err := c.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ProjectLabel+"="+c.project)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers of project %q: %w", c.project, err)
	}

	instances := make([]Instance, 0, len(list))
	for _, ctr := range list {
		name := ctr.ID
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		instances = append(instances, Instance{
			ID:      ctr.ID,
			Name:    name,
			Service: ctr.Labels[ServiceLabel],
			State:   ctr.State,
			Image:   ctr.Image,
			Labels:  ctr.Labels,
		})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })

	c.logger.Debug("listed instances", slog.Int("count", len(instances)))
	return instances, nil
}

// Count returns the number of instances in the project. It does not retry.
func (c *Client) Count(ctx context.Context) (int, error) {
	instances, err := c.Instances(ctx)
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}

// Main returns the first instance of the configured service.
func (c *Client) Main(ctx context.Context) (Instance, error) {
	instances, err := c.Instances(ctx)
	if err != nil {
		return Instance{}, err
	}
	for _, inst := range instances {
		if inst.Service == c.service {
			return inst, nil
		}
	}
	return Instance{}, fmt.Errorf("%w %q in project %q", ErrNoInstance, c.service, c.project)
}

// Logs returns the combined stdout and stderr of a container.
func (c *Client) Logs(ctx context.Context, id string) (string, error) {
	rc, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("reading logs of %s: %w", id, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading logs of %s: %w", id, err)
	}

	// Containers without a TTY multiplex both streams behind 8 byte frame
	// headers; TTY containers send the raw stream.
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, bytes.NewReader(raw)); err != nil || (out.Len() == 0 && len(raw) > 0) {
		return string(raw), nil
	}
	return out.String(), nil
}

// ServiceLogs returns a readiness.LogSource reading the logs of the main
// instance. The instance is resolved on every read so a container that is
// still being created is picked up once it exists.
func (c *Client) ServiceLogs() readiness.LogSource {
	return readiness.LogSourceFunc(func(ctx context.Context) (string, error) {
		inst, err := c.Main(ctx)
		if err != nil {
			return "", err
		}
		return c.Logs(ctx, inst.ID)
	})
}

// Close releases the docker client.
func (c *Client) Close() error {
	return c.api.Close()
}

var projectChars = regexp.MustCompile(`[^a-z0-9_-]`)

// defaultProject mirrors docker compose's default: the lowercased name of
// the working directory with unsupported characters removed.
func defaultProject() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving compose project: %w", err)
	}
	return NormalizeProject(filepath.Base(wd)), nil
}

// NormalizeProject converts a name into a valid compose project name.
func NormalizeProject(name string) string {
	return projectChars.ReplaceAllString(strings.ToLower(name), "")
}
