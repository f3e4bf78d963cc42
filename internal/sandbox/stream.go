package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/parachute-run/parachute/pkg/models"
)

// streamProcess writes payload as one JSON line to proc's stdin, then
// reads one JSON object per line from stdout, translating each into a
// TurnEvent and sending it on the returned channel. It enforces the
// turn's wall-clock deadline, killing the process and synthesizing an
// error event if exceeded; exit code 137 (OOM) is reported via the
// oom callback so the caller can evict the container. The channel is
// closed when the process has been fully drained.
func streamProcess(ctx context.Context, proc *exec.Cmd, payload entrypointPayload, timeout time.Duration, label string, onOOM func()) <-chan models.TurnEvent {
	out := make(chan models.TurnEvent)

	go func() {
		defer close(out)

		stdin, err := proc.StdinPipe()
		if err != nil {
			out <- errorEvent(fmt.Sprintf("failed to open stdin to %s: %v", label, err))
			return
		}
		stdout, err := proc.StdoutPipe()
		if err != nil {
			out <- errorEvent(fmt.Sprintf("failed to open stdout from %s: %v", label, err))
			return
		}
		stderr, err := proc.StderrPipe()
		if err != nil {
			out <- errorEvent(fmt.Sprintf("failed to open stderr from %s: %v", label, err))
			return
		}

		if err := proc.Start(); err != nil {
			out <- errorEvent(fmt.Sprintf("failed to start %s: %v", label, err))
			return
		}

		encoded, _ := json.Marshal(payload)
		encoded = append(encoded, '\n')
		if _, err := stdin.Write(encoded); err != nil {
			out <- errorEvent(fmt.Sprintf("failed to write to %s: %v", label, err))
			_ = proc.Process.Kill()
			return
		}
		stdin.Close()

		deadline := time.Now().Add(timeout)
		lines := make(chan string)
		readErr := make(chan error, 1)
		go func() {
			scanner := bufio.NewScanner(stdout)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			readErr <- scanner.Err()
			close(lines)
		}()

		timedOut := false
	readLoop:
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				timedOut = true
				break
			}
			select {
			case line, ok := <-lines:
				if !ok {
					break readLoop
				}
				var event models.TurnEvent
				if err := json.Unmarshal([]byte(line), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					timedOut = true
					break readLoop
				}
			case <-time.After(remaining):
				timedOut = true
				break readLoop
			case <-ctx.Done():
				timedOut = true
				break readLoop
			}
		}

		if timedOut {
			_ = proc.Process.Kill()
			out <- errorEvent("sandbox execution timed out")
			<-readErr
			return
		}

		waitErr := proc.Wait()
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			if code == 137 {
				if onOOM != nil {
					onOOM()
				}
				out <- errorEvent("container ran out of memory; it will be recreated on next use")
			} else {
				stderrBody, _ := io.ReadAll(stderr)
				out <- errorEvent(fmt.Sprintf("%s exited %d: %s", label, code, stderrBody))
			}
		}
	}()

	return out
}

func errorEvent(message string) models.TurnEvent {
	return models.TurnEvent{
		Type:  models.TurnEventError,
		Time:  time.Now(),
		Error: message,
	}
}
