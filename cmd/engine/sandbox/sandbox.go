// Package sandbox runs user-supplied Python snippets in a separate
// process with a wall-clock timeout. The snippet must define
// execute(input_data); the wrapper feeds it the node input as JSON on
// stdin and prints exactly one JSON result envelope on stdout.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/common/logger"
)

// wrapperScript is placed next to the user's code. It owns the stdin
// and stdout contract so a buggy snippet cannot break the envelope.
const wrapperScript = `import json
import sys
import traceback


def main():
    raw = sys.stdin.read()
    input_data = json.loads(raw) if raw.strip() else None
    scope = {}
    try:
        with open("user_code.py") as f:
            exec(compile(f.read(), "user_code.py", "exec"), scope)
        fn = scope.get("execute")
        if not callable(fn):
            print(json.dumps({
                "status": "error",
                "error": "user code does not define execute(input_data)",
                "error_type": "MissingEntryFunction",
            }))
            return
        result = fn(input_data)
        print(json.dumps({"status": "success", "result": result}, default=str))
    except Exception as exc:
        print(json.dumps({
            "status": "error",
            "error": str(exc),
            "error_type": type(exc).__name__,
            "traceback": traceback.format_exc(),
        }))


main()
`

// Result is the structured outcome of one sandbox invocation. The
// sandbox never fails with a Go error; every failure mode lands here.
type Result struct {
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// Sandbox executes snippets with a fresh working directory per call.
type Sandbox struct {
	pythonBin       string
	defaultTimeout  time.Duration
	allowPipInstall bool
	log             *logger.Logger
}

// New creates a sandbox using the given interpreter binary.
func New(pythonBin string, defaultTimeout time.Duration, allowPipInstall bool, log *logger.Logger) *Sandbox {
	return &Sandbox{
		pythonBin:       pythonBin,
		defaultTimeout:  defaultTimeout,
		allowPipInstall: allowPipInstall,
		log:             log,
	}
}

// Run executes source with input on stdin. timeout <= 0 uses the
// sandbox default. The returned Result is always non-nil.
func (s *Sandbox) Run(ctx context.Context, source, requirements string, input any, timeout time.Duration) *Result {
	if strings.TrimSpace(source) == "" {
		return errResult("no code provided", "EmptySource")
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	dir, err := os.MkdirTemp("", "engine-sandbox-")
	if err != nil {
		return errResult(fmt.Sprintf("create sandbox dir: %v", err), "SandboxSetup")
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "user_code.py"), []byte(source), 0o644); err != nil {
		return errResult(fmt.Sprintf("write user code: %v", err), "SandboxSetup")
	}
	if err := os.WriteFile(filepath.Join(dir, "runner.py"), []byte(wrapperScript), 0o644); err != nil {
		return errResult(fmt.Sprintf("write wrapper: %v", err), "SandboxSetup")
	}

	pythonPath := ""
	if strings.TrimSpace(requirements) != "" {
		if !s.allowPipInstall {
			return errResult("dependency install is disabled on this engine", "DependencyInstallDisabled")
		}
		pythonPath, err = s.installRequirements(ctx, dir, requirements)
		if err != nil {
			return errResult(fmt.Sprintf("dependency install failed: %v", err), "DependencyInstallFailed")
		}
	}

	stdin, err := json.Marshal(input)
	if err != nil {
		return errResult(fmt.Sprintf("input is not JSON-serializable: %v", err), "InputEncoding")
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.pythonBin, "runner.py")
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)
	if pythonPath != "" {
		cmd.Env = append(os.Environ(), "PYTHONPATH="+pythonPath)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return errResult(fmt.Sprintf("code execution timed out after %s", timeout), "Timeout")
	}
	if runErr != nil {
		s.log.Warn("sandbox process failed", "error", runErr, "stderr", models.Summarize(stderr.String()))
		return errResult(fmt.Sprintf("sandbox process failed: %v", runErr), "ProcessFailure")
	}

	return parseEnvelope(stdout.Bytes())
}

// installRequirements pip-installs the manifest into a per-call target
// directory and returns it for PYTHONPATH.
func (s *Sandbox) installRequirements(ctx context.Context, dir, requirements string) (string, error) {
	reqFile := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(reqFile, []byte(requirements), 0o644); err != nil {
		return "", err
	}
	target := filepath.Join(dir, "deps")

	cmd := exec.CommandContext(ctx, s.pythonBin, "-m", "pip", "install", "--quiet", "--target", target, "-r", reqFile)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return target, nil
}

// parseEnvelope extracts the result JSON from the wrapper's stdout. The
// envelope is the last non-empty line so user print statements above it
// are tolerated.
func parseEnvelope(stdout []byte) *Result {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var res Result
		if err := json.Unmarshal([]byte(line), &res); err == nil && res.Status != "" {
			return &res
		}
		break
	}
	return errResult("sandbox produced no result envelope", "MalformedOutput")
}

func errResult(message, errorType string) *Result {
	return &Result{Status: "error", Error: message, ErrorType: errorType}
}
