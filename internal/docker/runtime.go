package docker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Labels put on every unit so they can be found again after a restart.
const (
	LabelManaged    = "hls.managed"
	LabelJobID      = "hls.job-id"
	LabelVideoKey   = "hls.video-key"
	LabelVideoName  = "hls.video-name"
	LabelLaunchedAt = "hls.launched-at"
	LabelOwner      = "hls.owner"
)

// ErrUnitNotFound is returned when the runtime has no record of a unit.
var ErrUnitNotFound = errors.New("unit not found")

// ErrNameInUse is returned by Start when the requested name belongs to a
// unit that may not be replaced: another job's, or one still running.
var ErrNameInUse = errors.New("unit name in use")

// Client is the part of the Docker API client the runtime uses.
type Client interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Close() error
}

type UnitState int

const (
	UnitRunning UnitState = iota
	UnitExited
)

func (s UnitState) String() string {
	if s == UnitRunning {
		return "running"
	}
	return "exited"
}

// UnitSpec describes one worker unit to start.
type UnitSpec struct {
	Name     string
	Image    string
	Cmd      []string
	Env      map[string]string
	Labels   map[string]string
	Network  string
	MemoryMB int64
}

// Unit is a managed unit as listed by the runtime.
type Unit struct {
	ID      string
	Name    string
	State   UnitState
	Labels  map[string]string
	Created time.Time
}

// Executor starts and observes worker units.
type Executor interface {
	Start(ctx context.Context, spec UnitSpec) (string, error)
	Status(ctx context.Context, id string) (UnitState, error)
	ExitCode(ctx context.Context, id string) (int, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error
	ListUnits(ctx context.Context) ([]Unit, error)
}

var _ Client = (*client.Client)(nil)

type Runtime struct {
	client Client
}

var _ Executor = (*Runtime)(nil)

func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

func NewRuntimeWithClient(c Client) *Runtime {
	return &Runtime{client: c}
}

func (r *Runtime) Close() error {
	return r.client.Close()
}

// Start creates and starts a detached unit and returns its id. On a name
// conflict, an exited leftover of the same job is removed and the create
// retried; any other holder of the name fails the start.
func (r *Runtime) Start(ctx context.Context, spec UnitSpec) (string, error) {
	envVars := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(envVars)

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerConfig := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    envVars,
		Labels: labels,
	}
	hostConfig := &container.HostConfig{
		// Removed by the monitor once the exit code has been read.
		AutoRemove:  false,
		NetworkMode: container.NetworkMode(spec.Network),
	}
	if spec.MemoryMB > 0 {
		hostConfig.Resources = container.Resources{
			Memory:     spec.MemoryMB * 1024 * 1024,
			MemorySwap: -1,
		}
	}

	createResp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if errdefs.IsConflict(err) && spec.Name != "" {
		if rmErr := r.removeLeftover(ctx, spec.Name, labels[LabelJobID]); rmErr != nil {
			return "", rmErr
		}
		createResp, err = r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, createResp.ID, container.StartOptions{}); err != nil {
		r.client.ContainerRemove(ctx, createResp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return createResp.ID, nil
}

// removeLeftover removes the unit called name only if it was launched for
// jobID and is no longer running.
func (r *Runtime) removeLeftover(ctx context.Context, name, jobID string) error {
	info, err := r.client.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		// Gone since the conflict; the retry will tell.
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect conflicting container %s: %w", name, err)
	}

	var owner string
	if info.Config != nil {
		owner = info.Config.Labels[LabelJobID]
	}
	if jobID == "" || owner != jobID {
		return fmt.Errorf("%w: %s belongs to job %q", ErrNameInUse, name, owner)
	}
	if info.ContainerJSONBase != nil && info.State != nil && stateOf(info.State.Status) == UnitRunning {
		return fmt.Errorf("%w: %s is still %s", ErrNameInUse, name, info.State.Status)
	}

	if err := r.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove stale container %s: %w", name, err)
	}
	return nil
}

func (r *Runtime) inspect(ctx context.Context, id string) (*types.ContainerState, error) {
	info, err := r.client.ContainerInspect(ctx, id)
	if errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return nil, fmt.Errorf("inspect container %s: no state reported", id)
	}
	return info.State, nil
}

func stateOf(status string) UnitState {
	switch strings.ToLower(status) {
	case "created", "running", "paused", "restarting":
		return UnitRunning
	default:
		return UnitExited
	}
}

func (r *Runtime) Status(ctx context.Context, id string) (UnitState, error) {
	state, err := r.inspect(ctx, id)
	if err != nil {
		return UnitExited, err
	}
	return stateOf(state.Status), nil
}

func (r *Runtime) ExitCode(ctx context.Context, id string) (int, error) {
	state, err := r.inspect(ctx, id)
	if err != nil {
		return 0, err
	}
	if stateOf(state.Status) == UnitRunning {
		return 0, fmt.Errorf("container %s is still %s", id, state.Status)
	}
	return state.ExitCode, nil
}

func (r *Runtime) Stop(ctx context.Context, id string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Remove deletes the unit. A unit that is already gone is not an error.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListUnits returns every managed unit, running or not.
func (r *Runtime) ListUnits(ctx context.Context) ([]Unit, error) {
	list, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	units := make([]Unit, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		units = append(units, Unit{
			ID:      c.ID,
			Name:    name,
			State:   stateOf(c.State),
			Labels:  c.Labels,
			Created: time.Unix(c.Created, 0).UTC(),
		})
	}
	return units, nil
}

// UnitName builds a valid container name from prefix and a job id. The
// suffix is a digest of the raw id, so ids that sanitize alike still get
// distinct names.
func UnitName(prefix, jobID string) string {
	sum := sha256.Sum256([]byte(jobID))
	return sanitizeContainerName(prefix+"-"+jobID) + "-" + hex.EncodeToString(sum[:4])
}

// sanitizeContainerName replaces invalid characters in container names.
// Docker only allows [a-zA-Z0-9][a-zA-Z0-9_.-]
func sanitizeContainerName(name string) string {
	result := make([]byte, 0, len(name))
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_' || b == '.' || b == '-' {
			result = append(result, b)
		} else if len(result) > 0 && result[len(result)-1] != '-' {
			result = append(result, '-')
		}
	}
	result = []byte(strings.TrimRight(string(result), "-"))
	if len(result) > 0 && !isAlnum(result[0]) {
		result = append([]byte("z"), result...)
	}
	return string(result)
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
