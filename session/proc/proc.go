// Package proc provides the default local process provider: shell processes
// spawned on a pseudo-terminal via creack/pty. Output and exit are delivered
// through the callbacks handed to Spawn, matching the provider contract the
// session registry consumes.
package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"termmux/log"
	"termmux/session"

	"github.com/creack/pty"
)

// Provider spawns local pty-backed processes and tracks them by owner.
type Provider struct {
	mu      sync.Mutex
	nextID  int
	byOwner map[string]map[int]*Handle
}

// New creates a local pty provider.
func New() *Provider {
	return &Provider{
		byOwner: make(map[string]map[int]*Handle),
	}
}

// Handle controls one spawned pty process.
type Handle struct {
	id      int
	ownerID string
	prov    *Provider

	ptmx *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
	closed    chan struct{}
}

// Spawn starts the requested command on a fresh pty. onData is called for
// every output chunk from the pty read loop; onExit once when the process
// ends. Both may fire before Spawn's caller has seen the returned handle.
func (p *Provider) Spawn(params session.SpawnParams, onData func([]byte), onExit func()) (session.ProcessHandle, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("spawn requires a command")
	}

	cmd := exec.Command(params.Command, params.Args...)
	cmd.Dir = params.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	winsize := &pty.Winsize{
		Cols: uint16(params.Cols),
		Rows: uint16(params.Rows),
	}
	ptmx, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s on pty: %w", params.Command, err)
	}

	h := &Handle{
		ownerID: params.OwnerID,
		prov:    p,
		ptmx:    ptmx,
		cmd:     cmd,
		closed:  make(chan struct{}),
	}

	p.mu.Lock()
	p.nextID++
	h.id = p.nextID
	if p.byOwner[params.OwnerID] == nil {
		p.byOwner[params.OwnerID] = make(map[int]*Handle)
	}
	p.byOwner[params.OwnerID][h.id] = h
	p.mu.Unlock()

	go h.readLoop(onData)
	go h.waitForExit(onExit)

	return h, nil
}

// ListByOwner returns descriptors of the owner's live processes.
func (p *Provider) ListByOwner(ownerID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, h := range p.byOwner[ownerID] {
		pid := -1
		if h.cmd.Process != nil {
			pid = h.cmd.Process.Pid
		}
		out = append(out, fmt.Sprintf("%d:%s", pid, h.cmd.Path))
	}
	return out
}

func (p *Provider) forget(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handles := p.byOwner[h.ownerID]; handles != nil {
		delete(handles, h.id)
		if len(handles) == 0 {
			delete(p.byOwner, h.ownerID)
		}
	}
}

// Resize changes the pty window size.
func (h *Handle) Resize(cols, rows int) error {
	select {
	case <-h.closed:
		return fmt.Errorf("process is closed")
	default:
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Write sends input to the pty.
func (h *Handle) Write(data []byte) error {
	select {
	case <-h.closed:
		return fmt.Errorf("process is closed")
	default:
	}
	_, err := h.ptmx.Write(data)
	return err
}

// Close terminates the process and releases the pty.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		_ = h.ptmx.Close()
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		h.prov.forget(h)
	})
	return nil
}

// readLoop pumps pty output into the onData callback until EOF.
func (h *Handle) readLoop(onData func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			if err != io.EOF {
				select {
				case <-h.closed:
					// Expected during teardown.
				default:
					log.DebugLog.Printf("pty read ended: %v", err)
				}
			}
			return
		}
	}
}

// waitForExit reaps the process and fires onExit exactly once.
func (h *Handle) waitForExit(onExit func()) {
	err := h.cmd.Wait()

	select {
	case <-h.closed:
		// Close already tore the handle down; the exit callback still fires
		// so the registry can finish its bookkeeping.
	default:
		if err != nil {
			log.DebugLog.Printf("process exited: %v", err)
		}
		_ = h.Close()
	}
	onExit()
}
