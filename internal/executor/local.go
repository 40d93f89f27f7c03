package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflowd/internal/logging"
)

// LocalConfig configures the local subprocess gateway.
type LocalConfig struct {
	// Runner is the skill-runner command. Required.
	Runner string
	// Args are prepended to every invocation.
	Args []string
	// WorkDir is the runner's working directory. Empty means inherit.
	WorkDir string
	// StateDir holds per-job request/status/pid files. Required.
	StateDir string
}

// LocalGateway runs each step as a child process of the daemon.
//
// Contract with the runner: the job reference is passed as the final
// argument; the runner reads <state_dir>/<ref>.request.json and keeps
// <state_dir>/<ref>.status.json current (a PollResult document). The pid
// file written by the gateway survives daemon restarts so the reconciler
// can check liveness of jobs it did not spawn itself.
type LocalGateway struct {
	cfg    LocalConfig
	logger *logging.Logger

	mu   sync.Mutex
	cmds map[string]*exec.Cmd
}

// NewLocalGateway creates a subprocess-backed gateway.
func NewLocalGateway(cfg LocalConfig, logger *logging.Logger) (*LocalGateway, error) {
	if cfg.Runner == "" {
		return nil, fmt.Errorf("runner command is required")
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LocalGateway{
		cfg:    cfg,
		logger: logger,
		cmds:   make(map[string]*exec.Cmd),
	}, nil
}

// Start implements Gateway.
func (g *LocalGateway) Start(ctx context.Context, req StartRequest) (string, error) {
	if !req.Kind.IsValid() {
		return "", fmt.Errorf("invalid step kind %q", req.Kind)
	}

	ref := uuid.NewString()

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := os.WriteFile(g.requestPath(ref), data, 0600); err != nil {
		return "", fmt.Errorf("failed to write request file: %w", err)
	}

	args := append(append([]string{}, g.cfg.Args...), string(req.Kind), ref)
	cmd := exec.Command(g.cfg.Runner, args...)
	cmd.Dir = g.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		"SPECFLOW_STATE_DIR="+g.cfg.StateDir,
		"SPECFLOW_PROJECT="+req.Project,
	)
	// Own process group so Cancel can signal the runner and its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start runner: %w", err)
	}

	pid := strconv.Itoa(cmd.Process.Pid)
	if err := os.WriteFile(g.pidPath(ref), []byte(pid), 0600); err != nil {
		g.logger.Warn(ctx, "failed to write pid file", zap.String("ref", ref), zap.Error(err))
	}

	g.mu.Lock()
	g.cmds[ref] = cmd
	g.mu.Unlock()

	// Reap the child so it never zombies; Poll reads state from the
	// status file, not from the process.
	go func() {
		_ = cmd.Wait()
	}()

	g.logger.Info(ctx, "runner started",
		zap.String("ref", ref),
		zap.String("kind", string(req.Kind)),
		zap.Int("pid", cmd.Process.Pid))

	return ref, nil
}

// Poll implements Gateway. The runner owns the status file; a missing file
// on a dead process reads as failure.
func (g *LocalGateway) Poll(ctx context.Context, ref string) (PollResult, error) {
	data, err := os.ReadFile(g.statusPath(ref))
	if err != nil {
		if !os.IsNotExist(err) {
			return PollResult{}, fmt.Errorf("failed to read status file: %w", err)
		}
		if _, reqErr := os.Stat(g.requestPath(ref)); reqErr != nil {
			return PollResult{}, ErrUnknownRef
		}
		if g.Alive(ctx, ref) {
			return PollResult{Status: JobRunning}, nil
		}
		return PollResult{
			Status: JobFailure,
			Error:  "runner exited without reporting status",
		}, nil
	}

	var result PollResult
	if err := json.Unmarshal(data, &result); err != nil {
		return PollResult{}, fmt.Errorf("malformed status file for %s: %w", ref, err)
	}
	if result.Status == "" {
		result.Status = JobRunning
	}
	return result, nil
}

// Cancel implements Gateway. Signals the job's process group with SIGTERM.
func (g *LocalGateway) Cancel(ctx context.Context, ref string) error {
	pid, err := g.pid(ref)
	if err != nil {
		return ErrUnknownRef
	}
	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to signal runner %d: %w", pid, err)
	}
	g.logger.Info(ctx, "runner cancelled", zap.String("ref", ref), zap.Int("pid", pid))
	return nil
}

// Alive implements Gateway using the persisted pid file, so it works for
// jobs spawned by a previous daemon process.
func (g *LocalGateway) Alive(_ context.Context, ref string) bool {
	pid, err := g.pid(ref)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}

func (g *LocalGateway) pid(ref string) (int, error) {
	data, err := os.ReadFile(g.pidPath(ref))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file for %s", ref)
	}
	return pid, nil
}

func (g *LocalGateway) requestPath(ref string) string {
	return filepath.Join(g.cfg.StateDir, ref+".request.json")
}

func (g *LocalGateway) statusPath(ref string) string {
	return filepath.Join(g.cfg.StateDir, ref+".status.json")
}

func (g *LocalGateway) pidPath(ref string) string {
	return filepath.Join(g.cfg.StateDir, ref+".pid")
}
