package separate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Placeholders substituted into the separator command template.
const (
	InputMediaPlaceholder = "${INPUT_MEDIA}"
	OutputDirPlaceholder  = "${OUTPUT_DIR}"
)

// Engine opens separation jobs for input files.
type Engine interface {
	Open(ctx context.Context, inputPath, workDir string) (Job, error)
}

// ExecEngine runs separation through an external command. The command is a
// template holding the two placeholders; it must write one stem per .wav
// file into the output directory and print one line to stdout per
// processed chunk (the content is ignored). That line protocol is the only
// progress contract: chunks, the number of lines the command will print,
// comes from configuration and may be 0 when the command gives no ticks.
type ExecEngine struct {
	Command string
	Chunks  int
	Timeout time.Duration
}

func NewExecEngine(command string, chunks int, timeout time.Duration) (*ExecEngine, error) {
	args, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(args); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("separator binary not found in PATH: %s", args[0])
	}
	return &ExecEngine{Command: command, Chunks: chunks, Timeout: timeout}, nil
}

func (e *ExecEngine) Open(ctx context.Context, inputPath, workDir string) (Job, error) {
	args, err := SplitCommand(e.Command)
	if err != nil {
		return nil, err
	}
	for i, arg := range args {
		arg = strings.Replace(arg, InputMediaPlaceholder, inputPath, 1)
		arg = strings.Replace(arg, OutputDirPlaceholder, workDir, 1)
		args[i] = arg
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create separation work dir: %w", err)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if e.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting separator: %w", err)
	}

	return &execJob{
		cmd:     cmd,
		cancel:  cancel,
		scanner: bufio.NewScanner(stdout),
		stderr:  &stderr,
		workDir: workDir,
		chunks:  e.Chunks,
	}, nil
}

type execJob struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	workDir string
	chunks  int
	done    bool
	waited  bool
	waitErr error
}

func (j *execJob) TotalChunks() int { return j.chunks }

// Step blocks until the command prints its next chunk line. EOF on stdout
// means all chunks are consumed; the exit status decides success.
func (j *execJob) Step(ctx context.Context) (bool, error) {
	if j.done {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if j.scanner.Scan() {
		return false, nil
	}
	if err := j.scanner.Err(); err != nil {
		return false, fmt.Errorf("reading separator output: %w", err)
	}

	// Stdout closed: the process is finishing.
	j.done = true
	if err := j.wait(); err != nil {
		return false, fmt.Errorf("separator failed: %w (%s)", err, firstLine(j.stderr.String()))
	}
	return true, nil
}

func (j *execJob) Stems() (map[string]string, error) {
	if !j.done {
		return nil, fmt.Errorf("separation still running")
	}

	entries, err := os.ReadDir(j.workDir)
	if err != nil {
		return nil, err
	}
	stems := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		stems[name] = filepath.Join(j.workDir, entry.Name())
	}
	if len(stems) == 0 {
		return nil, fmt.Errorf("separator produced no stems in %s", j.workDir)
	}
	return stems, nil
}

// Close kills a still-running command and reaps it. Idempotent.
func (j *execJob) Close() error {
	j.cancel()
	if !j.waited {
		_ = j.wait()
	}
	return nil
}

func (j *execJob) wait() error {
	if j.waited {
		return j.waitErr
	}
	j.waited = true
	j.waitErr = j.cmd.Wait()
	j.cancel()
	return j.waitErr
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "no stderr output"
	}
	return s
}

// SplitCommand securely splits a command template into arguments without
// involving a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty separator command")
	}
	return args, nil
}

// ValidateArgs rejects templates missing the placeholders or carrying
// shell metacharacters. The command never goes through a shell.
func ValidateArgs(args []string) error {
	hasInput, hasOutput := false, false
	for _, arg := range args {
		switch {
		case strings.Contains(arg, InputMediaPlaceholder):
			hasInput = true
		case strings.Contains(arg, OutputDirPlaceholder):
			hasOutput = true
		case strings.ContainsAny(arg, "|&;`$()<>"):
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	if !hasInput {
		return fmt.Errorf("command must include the input placeholder '%s'", InputMediaPlaceholder)
	}
	if !hasOutput {
		return fmt.Errorf("command must include the output placeholder '%s'", OutputDirPlaceholder)
	}
	return nil
}
