// Copyright 2025 The http-sh Authors.
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

// Package procharness spawns the per-request child process and wires its
// four well-known file descriptors: inherited stdin/stdout, plus fd 3
// (request-meta, child reads) and fd 4 (response-meta, child writes).
package procharness

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"
)

// Harness owns a single child process for the lifetime of one request. It
// exclusively owns the child handle until Spawn returns, at which point
// Stdin, Stdout, ReqMetaW and ResMetaR are each meant to be handed to
// exactly one concurrent mover.
type Harness struct {
	cmd *exec.Cmd

	// Stdin is the child's stdin; write the request body here.
	Stdin io.WriteCloser
	// Stdout is the child's stdout; the response body.
	Stdout io.ReadCloser
	// ReqMetaW is the write end of fd 3 (the child reads from its fd 3).
	ReqMetaW *os.File
	// ResMetaR is the read end of fd 4 (the child writes to its fd 4).
	ResMetaR *os.File
}

// Spawn starts name with args, creating the two anonymous pipes the
// request-meta and response-meta channels ride on. The child is put in
// its own process group so the whole group — not just the immediate
// child — can be signalled on cancellation.
func Spawn(name string, args []string) (*Harness, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, trace.Wrap(err, "creating request-meta pipe")
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, trace.Wrap(err, "creating response-meta pipe")
	}

	// ExtraFiles[0] becomes fd 3, ExtraFiles[1] becomes fd 4 in the child.
	cmd.ExtraFiles = []*os.File{reqR, resW}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(reqR, reqW, resR, resW)
		return nil, trace.Wrap(err, "creating stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeAll(reqR, reqW, resR, resW)
		return nil, trace.Wrap(err, "creating stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		closeAll(reqR, reqW, resR, resW)
		stdin.Close()
		stdout.Close()
		return nil, trace.Wrap(err, "spawning %q", name)
	}

	// The parent must drop its own copies of the fds it handed to the
	// child: otherwise the write end of the response-meta pipe stays open
	// in two processes, and the parent never observes EOF on fd 4 even
	// after the child closes its copy.
	reqR.Close()
	resW.Close()

	return &Harness{
		cmd:      cmd,
		Stdin:    stdin,
		Stdout:   stdout,
		ReqMetaW: reqW,
		ResMetaR: resR,
	}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// Terminate sends SIGTERM to the child's whole process group. It is safe
// to call more than once and safe to call after the child has already
// exited.
func (h *Harness) Terminate() {
	if h.cmd.Process == nil {
		return
	}
	pid := h.cmd.Process.Pid
	if pgid, err := unix.Getpgid(pid); err == nil {
		_ = unix.Kill(-pgid, syscall.SIGTERM)
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
}

// Wait blocks until the child exits and reaps it. Callers must always
// call Wait exactly once per successful Spawn to avoid leaving a zombie.
func (h *Harness) Wait() error {
	return h.cmd.Wait()
}

// ExitCode returns the child's exit code and true, once Wait has
// returned. Before Wait returns, or if the process was killed by a
// signal rather than exiting normally, ok is false.
func (h *Harness) ExitCode() (code int, ok bool) {
	if h.cmd.ProcessState == nil {
		return 0, false
	}
	code = h.cmd.ProcessState.ExitCode()
	return code, code >= 0
}

// Close releases any fds the caller did not otherwise hand off to a
// mover. It is safe to call multiple times.
func (h *Harness) Close() {
	h.ReqMetaW.Close()
	h.ResMetaR.Close()
	h.Stdin.Close()
	h.Stdout.Close()
}
