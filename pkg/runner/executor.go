package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"corral/pkg/protocol"
)

// Process is one executing agent process. Wait blocks until exit and
// returns the run result. Terminate and Kill deliver SIGTERM and
// SIGKILL respectively; both are safe to call after exit.
type Process interface {
	Wait() (string, error)
	Terminate() error
	Kill() error
}

// Executor launches the agent process for an assigned run.
type Executor interface {
	Start(ctx context.Context, run protocol.Run) (Process, error)
}

// SubprocessExecutor runs each assignment as a child process built from
// a command template. Occurrences of "{prompt}" in Args are replaced
// with the run's prompt; the run's agent config, if any, is delivered
// on stdin as JSON.
//
// Each child gets its own process group (Setpgid) so Terminate and Kill
// reach the entire tree, not just the immediate child.
type SubprocessExecutor struct {
	Command string
	Args    []string
	LogDir  string // per-run output logs; empty means discard
}

// Start spawns the agent process for run. Stdout is captured as the run
// result; stderr goes to the per-run log when LogDir is set.
func (e *SubprocessExecutor) Start(ctx context.Context, run protocol.Run) (Process, error) {
	name := e.Command
	tmpl := e.Args
	// An agent definition may carry its own argv, overriding the
	// runner's command template.
	if argv, ok := commandFromConfig(run.AgentConfig); ok {
		name, tmpl = argv[0], argv[1:]
	}
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		args[i] = strings.ReplaceAll(a, "{prompt}", run.Prompt)
	}

	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // command comes from local runner config or the agent definition
	cmd.Dir = run.ProjectDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"CORRAL_RUN_ID="+run.ID,
		"CORRAL_SESSION_ID="+run.SessionID,
		"CORRAL_AGENT_NAME="+run.AgentName,
	)
	if run.AgentConfig != "" {
		cmd.Stdin = strings.NewReader(run.AgentConfig)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	var logFile *os.File
	if e.LogDir != "" {
		dir := filepath.Join(e.LogDir, run.ID)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create run log dir %s: %w", dir, err)
		}
		logPath := filepath.Join(dir, "output.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
		if err != nil {
			return nil, fmt.Errorf("open run log %s: %w", logPath, err)
		}
		cmd.Stderr = f
		logFile = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("spawn agent for run %s: %w", run.ID, err)
	}
	// The child inherits the log fd; the parent copy can close now.
	if logFile != nil {
		_ = logFile.Close()
	}

	return &subprocess{cmd: cmd, stdout: &stdout}, nil
}

// subprocess wraps one running exec.Cmd as a Process.
type subprocess struct {
	cmd    *exec.Cmd
	stdout *bytes.Buffer
}

func (p *subprocess) Wait() (string, error) {
	err := p.cmd.Wait()
	result := strings.TrimSpace(p.stdout.String())
	if err != nil {
		return "", fmt.Errorf("agent process: %w", err)
	}
	return result, nil
}

// Terminate signals the whole process group. A signaling failure means
// the process already exited, which is not an error for the caller.
func (p *subprocess) Terminate() error {
	return p.signalGroup(syscall.SIGTERM)
}

func (p *subprocess) Kill() error {
	return p.signalGroup(syscall.SIGKILL)
}

func (p *subprocess) signalGroup(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative PID targets the process group so agent descendants
	// (shells, child tools) die with the agent.
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

// commandFromConfig builds an argv from an agent config blob's optional
// "command" field, falling back to the executor template when absent.
func commandFromConfig(blob string) ([]string, bool) {
	if blob == "" {
		return nil, false
	}
	var cfg struct {
		Command []string `json:"command"`
	}
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil || len(cfg.Command) == 0 {
		return nil, false
	}
	return cfg.Command, true
}
