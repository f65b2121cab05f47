package localmodel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/apex/log"
)

const (
	healthPollInterval = 500 * time.Millisecond
	stopGracePeriod    = 10 * time.Second
)

var errRuntimeExited = errors.New("model runtime exited")

// Runtime supervises a llama.cpp multimodal server process. The weights are loaded once
// when the process starts and stay resident until Stop.
type Runtime struct {
	binary      string
	modelPath   string
	mmprojPath  string
	port        int
	gpuLayers   int
	contextSize int
	parallel    int

	cmd      *exec.Cmd
	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
}

// NewRuntime describes a runtime; nothing is started until Start.
func NewRuntime(opts Options) *Runtime {
	return &Runtime{
		binary:      opts.ServerBinary,
		modelPath:   opts.ModelPath,
		mmprojPath:  opts.MMProjPath,
		port:        opts.Port,
		gpuLayers:   opts.GPULayers,
		contextSize: opts.ContextSize,
		parallel:    opts.Parallel,
		exited:      make(chan struct{}),
	}
}

// URL is the loopback address the runtime listens on.
func (r *Runtime) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", r.port)
}

// Start verifies the weight files and launches the server process.
func (r *Runtime) Start() error {
	for _, path := range []string{r.modelPath, r.mmprojPath} {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("model weights unavailable: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("model weights unavailable: %s is a directory", path)
		}
	}

	binary, err := exec.LookPath(r.binary)
	if err != nil {
		return fmt.Errorf("model runtime binary not found: %w", err)
	}

	r.cmd = exec.Command(binary, r.args()...)
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach runtime stdout: %w", err)
	}
	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach runtime stderr: %w", err)
	}

	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start model runtime: %w", err)
	}

	log.WithFields(log.Fields{
		"pid":        r.cmd.Process.Pid,
		"model":      r.modelPath,
		"gpu_layers": r.gpuLayers,
		"port":       r.port,
	}).Info("localmodel.runtime.started")

	var pipes sync.WaitGroup
	pipes.Add(2)
	go forwardOutput(&pipes, stdout)
	go forwardOutput(&pipes, stderr)

	go func() {
		pipes.Wait()
		r.exitErr = r.cmd.Wait()
		close(r.exited)
		log.WithField("error", r.exitErr).Warn("localmodel.runtime.exited")
	}()

	return nil
}

func (r *Runtime) args() []string {
	return []string{
		"--model", r.modelPath,
		"--mmproj", r.mmprojPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(r.port),
		"--n-gpu-layers", strconv.Itoa(r.gpuLayers),
		"--ctx-size", strconv.Itoa(r.contextSize),
		"--parallel", strconv.Itoa(r.parallel),
	}
}

// Exited is closed once the server process has terminated.
func (r *Runtime) Exited() <-chan struct{} {
	return r.exited
}

// Stop terminates the server process, killing it if it does not exit within the grace period.
func (r *Runtime) Stop() {
	if r.cmd == nil || r.cmd.Process == nil {
		return
	}
	r.stopOnce.Do(func() {
		select {
		case <-r.exited:
			return
		default:
		}

		if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Warnf("Failed to signal model runtime: %v", err)
		}

		select {
		case <-r.exited:
		case <-time.After(stopGracePeriod):
			log.Warn("Model runtime did not stop in time, killing it")
			_ = r.cmd.Process.Kill()
			<-r.exited
		}
	})
}

func forwardOutput(wg *sync.WaitGroup, rd io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.WithField("component", "llama-server").Debug(scanner.Text())
	}
}

// waitReady polls the runtime health endpoint until it reports ready. exited may be nil
// for a runtime this process does not own.
func waitReady(ctx context.Context, client *http.Client, baseURL string, exited <-chan struct{}) error {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		status, err := probeHealth(ctx, client, baseURL)
		switch {
		case err == nil && status == http.StatusOK:
			return nil
		case err == nil:
			log.Debugf("Model runtime not ready yet (status %d)", status)
		default:
			log.Debugf("Model runtime not reachable yet: %v", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("model runtime not ready: %w", ctx.Err())
		case <-exited:
			return errRuntimeExited
		case <-ticker.C:
		}
	}
}

func probeHealth(ctx context.Context, client *http.Client, baseURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
