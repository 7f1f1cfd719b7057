package replog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// Channel is the framed command/response link to the log worker.
type Channel interface {
	Send(payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// WorkerConfig describes how to launch the worker executable.
type WorkerConfig struct {
	Path string
	Args []string
	// Env is appended to the current process environment.
	Env    []string
	Logger *zap.Logger
}

// WorkerChannel runs the worker as a child process and speaks length-prefixed
// frames over its stdin and stdout. Worker stderr goes to the logger.
type WorkerChannel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.Logger
	stderr *zapio.Writer

	sendMu sync.Mutex

	inbound  chan []byte
	readDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// StartWorker launches the worker. Any failure to locate or start it is
// reported as ErrTransportUnavailable.
func StartWorker(config WorkerConfig) (*WorkerChannel, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("%w: no worker configured", ErrTransportUnavailable)
	}
	path, err := exec.LookPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	cmd := exec.Command(path, config.Args...)
	cmd.Env = append(os.Environ(), config.Env...)
	stderr := &zapio.Writer{Log: logger.Named("worker"), Level: zapcore.WarnLevel}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrTransportUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrTransportUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start worker: %v", ErrTransportUnavailable, err)
	}

	wc := &WorkerChannel{
		cmd:      cmd,
		stdin:    stdin,
		logger:   logger,
		stderr:   stderr,
		inbound:  make(chan []byte, 64),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go wc.readLoop(stdout)
	go wc.waitLoop()

	logger.Info("log worker started", zap.String("path", path), zap.Int("pid", cmd.Process.Pid))
	return wc, nil
}

// Send writes one frame to the worker.
func (wc *WorkerChannel) Send(payload []byte) error {
	select {
	case <-wc.closed:
		if err := wc.lastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	wc.sendMu.Lock()
	defer wc.sendMu.Unlock()
	if err := WriteFrame(wc.stdin, payload); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		wc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Receive waits for the next frame from the worker.
func (wc *WorkerChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-wc.inbound:
		return payload, nil
	case <-wc.closed:
		// Drain frames read before the worker exited.
		select {
		case payload := <-wc.inbound:
			return payload, nil
		default:
		}
		if err := wc.lastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes stdin and kills the worker if it is still running.
func (wc *WorkerChannel) Close() error {
	wc.closeWithError(nil)
	return nil
}

func (wc *WorkerChannel) readLoop(stdout io.Reader) {
	defer close(wc.readDone)
	for {
		payload, err := ReadFrame(stdout)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				wc.closeWithError(nil)
				return
			}
			wc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		if len(payload) == 0 {
			continue
		}
		select {
		case wc.inbound <- payload:
		case <-wc.closed:
			return
		}
	}
}

// waitLoop reaps the worker once stdout is drained; Wait closes the pipe.
func (wc *WorkerChannel) waitLoop() {
	<-wc.readDone
	err := wc.cmd.Wait()
	if err != nil {
		wc.logger.Warn("log worker exited", zap.Error(err))
	} else {
		wc.logger.Info("log worker exited")
	}
	_ = wc.stderr.Close()
	wc.closeWithError(err)
}

func (wc *WorkerChannel) lastError() error {
	wc.errMu.RLock()
	defer wc.errMu.RUnlock()
	return wc.closeErr
}

func (wc *WorkerChannel) closeWithError(err error) {
	wc.closeOnce.Do(func() {
		wc.errMu.Lock()
		wc.closeErr = err
		wc.errMu.Unlock()

		_ = wc.stdin.Close()
		if wc.cmd.Process != nil {
			_ = wc.cmd.Process.Kill()
		}
		close(wc.closed)
	})
}
