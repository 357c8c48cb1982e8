// Package extern is the shared subprocess launcher used by the Stem
// Separator and the ASR/diarization provider adapter: command-line
// construction via shlex, a singleflight+cache-guarded readiness probe
// (grounded on adapters/base_adapter.go's CheckEnvironmentReady), and a
// JSON-over-stdout call contract for one-shot external tools.
//
// The teacher's asrengine/diarengine managers dial a long-lived daemon
// over a unix socket through a generated gRPC stub
// (internal/asrengine/pb), but that .proto-generated package isn't part of
// this module's dependency set. This package instead starts a fresh
// subprocess for every Call and exchanges plain JSON over its stdio; no
// process is kept running between calls.
package extern

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sync/singleflight"

	"scriberr/pkg/logger"
)

var (
	readyCacheMu sync.RWMutex
	readyCache   = make(map[string]bool)
	readyGroup   singleflight.Group
)

// CheckReady runs probeCommand (a shell-style command string split with
// shlex) once per key, caching the boolean result and de-duplicating
// concurrent callers via singleflight — the same pattern
// adapters/base_adapter.go uses for UV environment checks.
func CheckReady(ctx context.Context, key, probeCommand string) bool {
	readyCacheMu.RLock()
	if ready, ok := readyCache[key]; ok {
		readyCacheMu.RUnlock()
		return ready
	}
	readyCacheMu.RUnlock()

	result, _, _ := readyGroup.Do(key, func() (any, error) {
		readyCacheMu.RLock()
		if ready, ok := readyCache[key]; ok {
			readyCacheMu.RUnlock()
			return ready, nil
		}
		readyCacheMu.RUnlock()

		args, err := shlex.Split(probeCommand)
		ready := false
		if err == nil && len(args) > 0 {
			cmd := exec.CommandContext(ctx, args[0], args[1:]...)
			ready = cmd.Run() == nil
		}

		readyCacheMu.Lock()
		readyCache[key] = ready
		readyCacheMu.Unlock()
		return ready, nil
	})

	return result.(bool)
}

// InvalidateReady clears a cached readiness result, forcing the next
// CheckReady call to re-probe.
func InvalidateReady(key string) {
	readyCacheMu.Lock()
	delete(readyCache, key)
	readyCacheMu.Unlock()
}

// Call runs an external tool as a one-shot subprocess: commandLine is
// split with shlex, requestPayload is written to stdin as JSON (when
// non-nil), and the subprocess's stdout is decoded as JSON into response.
// This is the JSON-over-subprocess analogue of the teacher's gRPC
// unary call.
func Call(ctx context.Context, commandLine string, timeout time.Duration, requestPayload, response any) error {
	args, err := shlex.Split(commandLine)
	if err != nil {
		return fmt.Errorf("extern: split command %q: %w", commandLine, err)
	}
	if len(args) == 0 {
		return fmt.Errorf("extern: empty command")
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(callCtx, args[0], args[1:]...)

	if requestPayload != nil {
		payload, err := json.Marshal(requestPayload)
		if err != nil {
			return fmt.Errorf("extern: marshal request: %w", err)
		}
		cmd.Stdin = bytes.NewReader(payload)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Launching external tool", "command", args[0], "args", args[1:])
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extern: %s failed: %w (stderr: %s)", args[0], err, stderr.String())
	}

	if response != nil {
		if err := json.Unmarshal(stdout.Bytes(), response); err != nil {
			return fmt.Errorf("extern: decode response from %s: %w", args[0], err)
		}
	}
	return nil
}
