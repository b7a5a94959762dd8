package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Environment handed to every worker. The signing secret travels only here,
// never on the command line.
const (
	EnvVehicleID  = "V2X_VEHICLE_ID"
	EnvPrivateKey = "V2X_VEHICLE_PRIVATE_KEY"
	EnvHubURL     = "V2X_VEHICLE_HUB_URL"
)

// Spec describes one worker to launch.
type Spec struct {
	VehicleID  string
	PrivateKey string
}

// Process is a launched worker.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process and everything it spawned.
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs Binary as a detached child in its own process group.
type ExecLauncher struct {
	Binary string
	Args   []string
	HubURL string

	// Stdout and Stderr receive the worker output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

var _ Launcher = (*ExecLauncher)(nil)

func (l *ExecLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	path, err := exec.LookPath(l.Binary)
	if err != nil {
		return nil, fmt.Errorf("worker binary %q: %w", l.Binary, err)
	}

	// The worker outlives the request that started it, so it is not bound
	// to the caller's context.
	cmd := exec.Command(path, l.Args...) //nolint:gosec
	cmd.Env = append(os.Environ(), workerEnv(spec, l.HubURL)...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.SysProcAttr = detached()

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func workerEnv(spec Spec, hubURL string) []string {
	env := []string{
		EnvVehicleID + "=" + spec.VehicleID,
		EnvPrivateKey + "=" + spec.PrivateKey,
	}
	if hubURL != "" {
		env = append(env, EnvHubURL+"="+hubURL)
	}
	return env
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return killGroup(p.cmd.Process) }
