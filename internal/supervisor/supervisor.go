// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor launches and tracks the upstream resource server's
// child process. It reads the UPSTREAM_SERVER_RUN_COMMAND configuration
// surface and wraps plain os/exec; there is no supervision protocol
// beyond starting the child and reaping its exit code.
package supervisor

import (
	"context"
	"os"
	"os/exec"

	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// Config describes the child process to run. A zero-value Config (empty
// Command) means "no upstream child process is managed by this proxy" —
// UPSTREAM_SERVER_URL already points at an independently-run server.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Process wraps a running (or absent) child process.
type Process struct {
	cmd *exec.Cmd
	// done receives Wait's result once the child exits (it never fires
	// when no child is managed), so bootstrap can select on exit
	// alongside the HTTP listener.
	done chan error
}

// Start launches cfg.Command if set. It does not block on readiness; the
// caller binds its listener once it has otherwise decided the child is
// ready (e.g. after a fixed grace period or its own health probe against
// UPSTREAM_SERVER_URL).
func Start(cfg Config) (*Process, error) {
	if cfg.Command == "" {
		return &Process{done: make(chan error)}, nil
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	if err := cmd.Start(); err != nil {
		return nil, proxyerrors.NewError(proxyerrors.ErrConfigurationError, "starting upstream child process", err)
	}
	logger.Infow("started upstream child process", "command", cfg.Command, "pid", cmd.Process.Pid)

	p := &Process{cmd: cmd, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
	}()
	return p, nil
}

// Done reports the child process's exit, if one is managed. An
// unrecoverable exit is fatal to the proxy process.
func (p *Process) Done() <-chan error {
	return p.done
}

// Stop terminates the managed child process, if any.
func (p *Process) Stop(_ context.Context) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
