package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
)

const defaultDockerPollInterval = 2 * time.Second

var containerNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// DockerBackend runs container_local tasks as detached docker containers on
// the orchestrator host and polls their exit status.
type DockerBackend struct {
	dockerBin    string
	pollInterval time.Duration
}

func NewDockerBackend(dockerBin string, pollInterval time.Duration) (*DockerBackend, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = defaultDockerPollInterval
	}
	return &DockerBackend{dockerBin: dockerBin, pollInterval: pollInterval}, nil
}

func (b *DockerBackend) Kind() domain.TaskKind {
	return domain.TaskKindContainerLocal
}

func (b *DockerBackend) Execute(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error) {
	image := strings.TrimSpace(task.Config["image"])
	if image == "" {
		return Completion{
			Status:  StatusFailure,
			Message: "container_local task declares no image",
		}, nil
	}

	name := containerName(rc.RunID, task.ID, rc.Attempt)
	if err := b.submit(ctx, name, image, task, rc); err != nil {
		return Completion{}, &DispatchError{Backend: string(b.Kind()), Err: err}
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.remove(name)
			return Completion{}, ctx.Err()
		case <-ticker.C:
			state, err := b.inspect(ctx, name)
			if err != nil {
				if ctx.Err() != nil {
					b.remove(name)
					return Completion{}, ctx.Err()
				}
				return Completion{
					Status:  StatusFailure,
					LogsRef: "docker://" + name,
					Message: err.Error(),
				}, nil
			}
			if state.running {
				continue
			}
			completion := Completion{
				LogsRef: "docker://" + name,
				Message: fmt.Sprintf("exit code %d", state.exitCode),
			}
			if state.exitCode == 0 {
				completion.Status = StatusSuccess
				completion.OutputAssets = append([]string(nil), task.Outlets...)
			} else {
				completion.Status = StatusFailure
			}
			return completion, nil
		}
	}
}

func (b *DockerBackend) submit(ctx context.Context, name, image string, task domain.TaskDescriptor, rc RunContext) error {
	args := []string{
		"run",
		"--detach",
		"--name", name,
		"-e", "DATALOOM_RUN_ID=" + rc.RunID,
		"-e", "DATALOOM_TASK_ID=" + task.ID,
		"-e", "DATALOOM_PRODUCT_ID=" + rc.ProductID,
		"-e", "DATALOOM_GRAPH_VERSION=" + strconv.FormatInt(rc.GraphVersion, 10),
		"-e", "DATALOOM_ATTEMPT=" + strconv.Itoa(rc.Attempt),
	}

	keys := make([]string, 0, len(task.Config))
	for k := range task.Config {
		if !strings.HasPrefix(k, "env.") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", strings.TrimPrefix(k, "env.")+"="+task.Config[k])
	}

	if cpus := strings.TrimSpace(task.Config["cpus"]); cpus != "" {
		args = append(args, "--cpus", cpus)
	}
	if memory := strings.TrimSpace(task.Config["memory"]); memory != "" {
		args = append(args, "--memory", memory)
	}

	args = append(args, image)
	if command := strings.TrimSpace(task.Config["command"]); command != "" {
		args = append(args, strings.Fields(command)...)
	}

	cmd := exec.CommandContext(ctx, b.dockerBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

type dockerState struct {
	running  bool
	exitCode int
}

type dockerInspectState struct {
	Status   string `json:"Status"`
	ExitCode int    `json:"ExitCode"`
}

func (b *DockerBackend) inspect(ctx context.Context, name string) (dockerState, error) {
	cmd := exec.CommandContext(ctx, b.dockerBin, "inspect", "--format", "{{json .State}}", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return dockerState{}, fmt.Errorf("docker inspect failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	var state dockerInspectState
	if err := json.Unmarshal(out, &state); err != nil {
		return dockerState{}, fmt.Errorf("parse docker inspect: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(state.Status)) {
	case "exited", "dead":
		return dockerState{running: false, exitCode: state.ExitCode}, nil
	default:
		return dockerState{running: true}, nil
	}
}

// remove force-removes the container. Best effort: a container that cannot
// be removed is left to finish, its result is discarded by the scheduler.
func (b *DockerBackend) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, b.dockerBin, "rm", "-f", name).Run()
}

func containerName(runID, taskID string, attempt int) string {
	raw := fmt.Sprintf("dataloom-%s-%s-a%d", shortID(runID), taskID, attempt)
	return containerNameSanitizer.ReplaceAllString(raw, "-")
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
