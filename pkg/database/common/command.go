package common

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// maxStderr caps the diagnostic text kept from a failed tool
const maxStderr = 4096

// cappedBuffer keeps the first maxStderr bytes written to it
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxStderr - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

// RunCommand starts cmd, kills it when ctx is done, and appends captured stderr to any failure
func RunCommand(ctx context.Context, cmd *exec.Cmd) error {
	stderr := &cappedBuffer{}
	cmd.Stderr = stderr
	name := cmd.Path

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
		return fmt.Errorf("%s interrupted: %w", name, ctx.Err())
	case err := <-done:
		if err != nil {
			if msg := stderr.String(); msg != "" {
				return fmt.Errorf("%s failed: %w: %s", name, err, msg)
			}
			return fmt.Errorf("%s failed: %w", name, err)
		}
		return nil
	}
}
