// Package worker launches isolated child processes that execute tasks and
// report results as sentinel-framed JSON on stdout.
//
// Each invocation gets a private ipc/<container-id>/ directory with input/
// and output/ mailboxes. Follow-up messages are dropped into input/ via an
// atomic tmp-then-rename; an empty _close file asks the child to exit.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
	"github.com/coreclaw/coreclaw/internal/tracing"
)

// DefaultTimeout is the inactivity limit: time since the last valid frame
// (or since start) before the child is stopped.
const DefaultTimeout = 5 * time.Minute

// KillGracePeriod is how long a child gets between the graceful stop signal
// and the forced kill.
const KillGracePeriod = 10 * time.Second

// DefaultNamePrefix identifies workers spawned by this process, used for
// orphan cleanup on startup.
const DefaultNamePrefix = "coreclaw-worker"

// closeSentinel is the empty file that asks a child to exit cleanly.
const closeSentinel = "_close"

// Config configures the invoker.
type Config struct {
	// Runtime is the container runtime binary ("docker", "podman"). Empty
	// means plain process execution without container isolation.
	Runtime string

	// Image is the container image for containerised workers.
	Image string

	// Command is the worker argv for plain execution mode.
	Command []string

	// IPCRoot is the directory holding per-worker mailboxes.
	IPCRoot string

	// NamePrefix prefixes generated container ids.
	NamePrefix string

	// Timeout since the last valid output frame before the worker is stopped.
	Timeout time.Duration

	// MemoryLimit and CPULimit cap containerised workers ("512m", "1.0").
	// Empty means unlimited.
	MemoryLimit string
	CPULimit    string
}

// Request carries one task into a worker. Secrets are written to the child's
// stdin and cleared from the map immediately after.
type Request struct {
	TaskID           string            `json:"taskId"`
	TaskType         string            `json:"taskType"`
	Payload          map[string]any    `json:"payload"`
	Secrets          map[string]string `json:"secrets,omitempty"`
	ConductorContext map[string]any    `json:"conductorContext,omitempty"`
}

// Result is the outcome of one invocation.
type Result struct {
	ContainerID string
	Output      *store.AgentOutput
	ExitCode    int
	DurationMS  int64
}

// Invoker launches worker children and parses their framed output.
type Invoker struct {
	cfg    Config
	tracer trace.Tracer
}

// New creates an invoker. Zero config fields fall back to defaults.
func New(cfg Config) *Invoker {
	if cfg.IPCRoot == "" {
		cfg.IPCRoot = "ipc"
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Invoker{
		cfg:    cfg,
		tracer: noop.NewTracerProvider().Tracer("noop"),
	}
}

// SetTracer installs a tracer for invocation spans.
func (inv *Invoker) SetTracer(t trace.Tracer) {
	if t != nil {
		inv.tracer = t
	}
}

// Invoke runs one task in a fresh worker child and blocks until it exits.
// A spawn failure is reported as a failed Agent-Output, not an error, so the
// queue's retry path treats it like any other handler failure.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	containerID := fmt.Sprintf("%s-%s", inv.cfg.NamePrefix, uuid.NewString()[:8])
	start := time.Now()

	ctx, span := inv.tracer.Start(ctx, tracing.SpanPrefixWorker+"invoke",
		trace.WithAttributes(
			attribute.String(tracing.AttrTaskID, req.TaskID),
			attribute.String(tracing.AttrTaskType, req.TaskType),
			attribute.String(tracing.AttrContainerID, containerID),
		))
	defer span.End()

	ipcDir := filepath.Join(inv.cfg.IPCRoot, containerID)
	for _, sub := range []string{"input", "output"} {
		if err := os.MkdirAll(filepath.Join(ipcDir, sub), 0700); err != nil {
			return nil, fmt.Errorf("create ipc directory: %w", err)
		}
	}
	defer func() {
		if err := os.RemoveAll(ipcDir); err != nil {
			log.Warn(log.CatWorker, "remove ipc directory failed", "containerID", containerID, "error", err.Error())
		}
	}()

	cmd := inv.buildCommand(ctx, containerID, ipcDir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return inv.spawnFailure(containerID, start, fmt.Errorf("create stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return inv.spawnFailure(containerID, start, fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return inv.spawnFailure(containerID, start, fmt.Errorf("create stderr pipe: %w", err))
	}

	log.Debug(log.CatWorker, "spawning worker", "containerID", containerID, "taskID", req.TaskID)
	if err := cmd.Start(); err != nil {
		return inv.spawnFailure(containerID, start, fmt.Errorf("start worker: %w", err))
	}

	// Single stdin frame, then close. Secrets leave host memory right after.
	frame, err := json.Marshal(req)
	if err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return inv.spawnFailure(containerID, start, fmt.Errorf("encode input frame: %w", err))
	}
	_, writeErr := stdin.Write(append(frame, '\n'))
	_ = stdin.Close()
	for i := range frame {
		frame[i] = 0
	}
	for k := range req.Secrets {
		delete(req.Secrets, k)
	}
	if writeErr != nil {
		log.Warn(log.CatWorker, "write input frame failed", "containerID", containerID, "error", writeErr.Error())
	}

	parser := &frameParser{}
	frameSeen := make(chan struct{}, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		// Frames may arrive as one long line, so allow lines up to the cap.
		scanner.Buffer(buf, MaxCapturedOutput)
		for scanner.Scan() {
			if parser.feedLine(scanner.Text()) {
				select {
				case frameSeen <- struct{}{}:
				default:
				}
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn(log.CatWorker, "worker stdout read failed", "containerID", containerID, "error", err.Error())
		}
	}()

	var stderrBuf bytes.Buffer
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if stderrBuf.Len() < 64*1024 {
				stderrBuf.WriteString(line)
				stderrBuf.WriteString("\n")
			}
			log.Debug(log.CatWorker, "worker stderr", "containerID", containerID, "line", line)
		}
	}()

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	timer := time.NewTimer(inv.cfg.Timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
loop:
	for {
		select {
		case waitErr = <-waitDone:
			break loop
		case <-frameSeen:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(inv.cfg.Timeout)
		case <-timer.C:
			timedOut = true
			log.Warn(log.CatWorker, "worker timed out, stopping", "containerID", containerID, "taskID", req.TaskID)
			inv.stopChild(cmd)
			waitErr = <-waitDone
			break loop
		case <-ctx.Done():
			log.Warn(log.CatWorker, "invocation cancelled, stopping worker", "containerID", containerID)
			inv.stopChild(cmd)
			waitErr = <-waitDone
			break loop
		}
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil && exitCode == 0 {
		exitCode = 1
	}
	durationMS := time.Since(start).Milliseconds()

	output := parser.result()
	if output == nil {
		summary := synthSummary(stderrBuf.Bytes(), timedOut)
		output = &store.AgentOutput{
			Status:  store.OutputFailed,
			Summary: summary,
			Error:   summary,
		}
		if exitCode == 0 {
			exitCode = 1
		}
		span.SetStatus(codes.Error, "no valid output frame")
	}
	span.SetAttributes(attribute.Int(tracing.AttrExitCode, exitCode))

	log.Info(log.CatWorker, "worker finished",
		"containerID", containerID, "taskID", req.TaskID,
		"exitCode", exitCode, "durationMs", durationMS, "frames", parser.frameCount())

	return &Result{
		ContainerID: containerID,
		Output:      output,
		ExitCode:    exitCode,
		DurationMS:  durationMS,
	}, nil
}

// buildCommand assembles either a sandboxed container invocation or a plain
// process command.
func (inv *Invoker) buildCommand(ctx context.Context, containerID, ipcDir string) *exec.Cmd {
	if inv.cfg.Runtime != "" {
		absIPC, err := filepath.Abs(ipcDir)
		if err != nil {
			absIPC = ipcDir
		}
		args := []string{
			"run", "--rm", "-i",
			"--name", containerID,
			"--read-only",
			"--tmpfs", "/tmp",
			"--network", "none",
			"-v", absIPC + ":/workspace/ipc",
		}
		if inv.cfg.MemoryLimit != "" {
			args = append(args, "--memory", inv.cfg.MemoryLimit)
		}
		if inv.cfg.CPULimit != "" {
			args = append(args, "--cpus", inv.cfg.CPULimit)
		}
		args = append(args, inv.cfg.Image)
		// #nosec G204 -- args are built from config, not user input
		return exec.CommandContext(ctx, inv.cfg.Runtime, args...)
	}

	command := inv.cfg.Command
	if len(command) == 0 {
		command = []string{"coreclaw-agent"}
	}
	// #nosec G204 -- command comes from config, not user input
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = ipcDir
	cmd.Env = append(os.Environ(), "CORECLAW_CONTAINER_ID="+containerID)
	return cmd
}

// stopChild sends the graceful stop signal and schedules a forced kill after
// the grace period.
func (inv *Invoker) stopChild(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
		return
	}
	proc := cmd.Process
	time.AfterFunc(KillGracePeriod, func() {
		// Kill on an exited process is a harmless no-op error.
		_ = proc.Kill()
	})
}

// spawnFailure synthesises a failed result for errors before the child ran.
func (inv *Invoker) spawnFailure(containerID string, start time.Time, err error) (*Result, error) {
	log.ErrorErr(log.CatWorker, "worker spawn failed", err, "containerID", containerID)
	summary := fmt.Sprintf("worker spawn failed: %v", err)
	return &Result{
		ContainerID: containerID,
		Output: &store.AgentOutput{
			Status:  store.OutputFailed,
			Summary: summary,
			Error:   summary,
		},
		ExitCode:   1,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// SendMessage drops a follow-up message into a running worker's input
// mailbox. The write is atomic: a hidden tmp file is renamed into place.
func (inv *Invoker) SendMessage(containerID, text string) error {
	inputDir := filepath.Join(inv.cfg.IPCRoot, containerID, "input")
	if _, err := os.Stat(inputDir); err != nil {
		return fmt.Errorf("worker mailbox not found: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"type": "message", "text": text})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	name := fmt.Sprintf("msg-%d-%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
	tmpPath := filepath.Join(inputDir, "."+name+".tmp")
	if err := os.WriteFile(tmpPath, payload, 0600); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(inputDir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// RequestClose asks a running worker to exit cleanly by creating the close
// sentinel in its input mailbox.
func (inv *Invoker) RequestClose(containerID string) error {
	inputDir := filepath.Join(inv.cfg.IPCRoot, containerID, "input")
	if _, err := os.Stat(inputDir); err != nil {
		return fmt.Errorf("worker mailbox not found: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(inputDir, closeSentinel), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create close sentinel: %w", err)
	}
	return f.Close()
}

// CleanupOrphans removes leftover workers and mailboxes from a previous run.
// Called once on startup.
func (inv *Invoker) CleanupOrphans(ctx context.Context) {
	if inv.cfg.Runtime != "" {
		// #nosec G204 -- runtime comes from config
		out, err := exec.CommandContext(ctx, inv.cfg.Runtime,
			"ps", "-aq", "--filter", "name="+inv.cfg.NamePrefix).Output()
		if err != nil {
			log.Warn(log.CatWorker, "orphan listing failed", "error", err.Error())
		} else {
			for _, id := range strings.Fields(string(out)) {
				log.Info(log.CatWorker, "removing orphaned worker", "id", id)
				// #nosec G204 -- ids come from the runtime itself
				if err := exec.CommandContext(ctx, inv.cfg.Runtime, "rm", "-f", id).Run(); err != nil {
					log.Warn(log.CatWorker, "orphan removal failed", "id", id, "error", err.Error())
				}
			}
		}
	}

	entries, err := os.ReadDir(inv.cfg.IPCRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatWorker, "ipc root listing failed", "error", err.Error())
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), inv.cfg.NamePrefix) {
			path := filepath.Join(inv.cfg.IPCRoot, e.Name())
			log.Info(log.CatWorker, "removing orphaned mailbox", "path", path)
			if err := os.RemoveAll(path); err != nil {
				log.Warn(log.CatWorker, "mailbox removal failed", "path", path, "error", err.Error())
			}
		}
	}
}

// synthSummary builds a failure summary from captured stderr.
func synthSummary(stderr []byte, timedOut bool) string {
	if timedOut {
		return "worker timed out without producing output"
	}
	trimmed := bytes.TrimSpace(stderr)
	if len(trimmed) == 0 {
		return "worker produced no output"
	}
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return string(trimmed)
}
