package pipelines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

	// exitNoDocument is the crop command's exit code for "no outline found".
	exitNoDocument = 2
)

// DetectorConfig holds the subprocess detector's configuration.
type DetectorConfig struct {
	PythonPath   string // path to python binary; empty = auto-detect
	ModuleName   string // default "documind_cv"
	WorkDir      string // scratch dir for doctor output
	ProbeTimeout time.Duration
	Logger       *slog.Logger
	DebugPaths   bool // if true, log full file paths; otherwise sanitise
}

// DefaultDetectorConfig returns production defaults.
func DefaultDetectorConfig(dataDir string, logger *slog.Logger) DetectorConfig {
	return DetectorConfig{
		ModuleName:   "documind_cv",
		WorkDir:      filepath.Join(dataDir, "detector"),
		ProbeTimeout: 30 * time.Second,
		Logger:       logger,
	}
}

// SubprocessDetector runs the OpenCV document detector as a Python CLI:
//
//	python -m <module> crop --image <in> --out <out>
//
// Exit 0 with an output file means a document was found and cropped,
// exit 2 means no document outline was found.
type SubprocessDetector struct {
	cfg    DetectorConfig
	python string // resolved python path
}

// NewSubprocessDetector resolves the Python binary and prepares the work dir.
func NewSubprocessDetector(cfg DetectorConfig) (*SubprocessDetector, error) {
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}
	if cfg.ModuleName == "" {
		cfg.ModuleName = "documind_cv"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create detector work dir: %w", err)
	}

	cfg.Logger.Info("document detector initialised",
		"python", python,
		"module", cfg.ModuleName,
	)

	return &SubprocessDetector{cfg: cfg, python: python}, nil
}

// Detect crops the document in imagePath into outPath.
func (d *SubprocessDetector) Detect(ctx context.Context, imagePath, outPath string) error {
	result := d.exec(ctx, outPath, "crop", "--image", imagePath, "--out", outPath)

	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case result.IsSuccess():
		if _, err := os.Stat(outPath); err != nil {
			return fmt.Errorf("detector exited 0 but wrote no output: %w", err)
		}
		return nil
	case result.ExitCode == exitNoDocument:
		return ErrNoDocument
	default:
		return fmt.Errorf("detector exited %d: %s", result.ExitCode, truncate(strings.TrimSpace(result.StderrTail), 512))
	}
}

// Probe runs `doctor --json` and reports what the environment can do.
func (d *SubprocessDetector) Probe(ctx context.Context) (*Capabilities, error) {
	outPath := filepath.Join(d.cfg.WorkDir, ".doctor.json")

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	result := d.exec(ctx, outPath, "doctor", "--json", "--out", outPath)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("doctor exited %d: %s", result.ExitCode, result.StderrTail)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read doctor output: %w", err)
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("cannot parse doctor JSON: %w", err)
	}

	caps.CanCrop = isAvailable(caps.Dependencies, "cv2") &&
		isAvailable(caps.Dependencies, "numpy")
	caps.ProbedAt = time.Now()

	d.cfg.Logger.Info("detector probe complete",
		"can_crop", caps.CanCrop,
		"package_version", caps.PackageVersion,
	)

	return &caps, nil
}

// exec is the core subprocess execution helper.
func (d *SubprocessDetector) exec(ctx context.Context, outPath string, args ...string) RunResult {
	start := time.Now()

	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			d.cfg.Logger.Error("cannot create output dir", "error", err)
			return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
		}
	}

	cmdArgs := append([]string{"-m", d.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, d.python, cmdArgs...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = io.Discard

	d.cfg.Logger.Debug("executing detector command", "command", args[0])

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stderrTail := stderrBuf.String()
	if err != nil && stderrTail == "" {
		stderrTail = err.Error()
	}

	if exitCode != 0 && exitCode != exitNoDocument {
		d.cfg.Logger.Warn("detector command failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		d.cfg.Logger.Info("detector command finished",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"output", d.safePath(outPath),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrTail,
		Duration:   elapsed,
	}
}

func (d *SubprocessDetector) safePath(path string) string {
	if d.cfg.DebugPaths {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Base(path)
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return filepath.Base(path)
}

// PassthroughDetector is used when no Python environment is available.
// Every call reports ErrUnavailable so the driver falls back to the
// original image.
type PassthroughDetector struct{}

func (PassthroughDetector) Detect(context.Context, string, string) error {
	return fmt.Errorf("document detector: %w", ErrUnavailable)
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func isAvailable(deps map[string]DepInfo, name string) bool {
	d, ok := deps[name]
	return ok && d.Available
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
