package fifo

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned once the pipe has been closed locally.
	ErrClosed = errors.New("fifo: pipe closed")
	// ErrDisconnected is returned when the reading side went away.
	ErrDisconnected = errors.New("fifo: consumer disconnected")
	// ErrNotConnected is returned by Write before WaitConnected succeeded.
	ErrNotConnected = errors.New("fifo: not connected")
	// ErrUnsupported is returned on platforms without named pipes.
	ErrUnsupported = errors.New("fifo: named pipes are not supported on this platform")
)

// Pipe is the write end of a named pipe. The file node is created by Create
// and a consumer process attaches by opening the path for reading.
type Pipe struct {
	path string

	mu      sync.Mutex
	file    *os.File
	closed  bool
	waiting bool
	// releaser is a throwaway reader that unblocks a pending open.
	releaser *os.File
	done     chan struct{}
}

type openResult struct {
	file *os.File
	err  error
}

// Create makes a new named pipe node at path. The path must not exist.
func Create(path string) (*Pipe, error) {
	if err := mkfifo(path); err != nil {
		return nil, errors.Wrapf(err, "create pipe %s", path)
	}
	return &Pipe{
		path: path,
		done: make(chan struct{}),
	}, nil
}

// Path returns the file system path consumers open.
func (p *Pipe) Path() string {
	return p.path
}

// WaitConnected blocks until a reader has opened the pipe, ctx is done, or
// the pipe is closed.
func (p *Pipe) WaitConnected(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.file != nil:
		p.mu.Unlock()
		return nil
	}
	p.waiting = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.waiting = false
		p.mu.Unlock()
	}()

	opened := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(p.path, os.O_WRONLY, 0)
		opened <- openResult{file: f, err: err}
	}()

	select {
	case res := <-opened:
		if res.err != nil {
			return errors.Wrapf(res.err, "open pipe %s", p.path)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			res.file.Close()
			if p.releaser != nil {
				p.releaser.Close()
				p.releaser = nil
			}
			return ErrClosed
		}
		p.file = res.file
		return nil
	case <-ctx.Done():
		p.abandon(opened)
		return ctx.Err()
	case <-p.done:
		p.abandon(opened)
		return ErrClosed
	}
}

// abandon unblocks a pending open by attaching a throwaway reader, then
// discards whatever the open produced.
func (p *Pipe) abandon(opened <-chan openResult) {
	p.mu.Lock()
	p.attachReleaser()
	releaser := p.releaser
	p.releaser = nil
	p.mu.Unlock()

	go func() {
		if res := <-opened; res.file != nil {
			res.file.Close()
		}
		if releaser != nil {
			releaser.Close()
		}
	}()
}

// attachReleaser must be called with p.mu held.
func (p *Pipe) attachReleaser() {
	if p.releaser != nil {
		return
	}
	if r, err := openReader(p.path); err == nil {
		p.releaser = r
	}
}

// Connected reports whether a reader is attached.
func (p *Pipe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file != nil && !p.closed
}

// Write writes b to the consumer.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	f, closed := p.file, p.closed
	p.mu.Unlock()

	switch {
	case closed:
		return 0, ErrClosed
	case f == nil:
		return 0, ErrNotConnected
	}

	n, err := f.Write(b)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, syscall.EPIPE):
		return n, errors.Wrapf(ErrDisconnected, "write %s", p.path)
	case errors.Is(err, os.ErrClosed):
		return n, ErrClosed
	default:
		return n, errors.Wrapf(err, "write %s", p.path)
	}
}

// Close releases the write end. Pending WaitConnected and Write calls return.
// Safe to call more than once.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.waiting {
		// attach before the node can be removed, or the open never returns
		p.attachReleaser()
	}
	close(p.done)

	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// Remove closes the pipe and deletes its file node.
func (p *Pipe) Remove() error {
	p.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove pipe %s", p.path)
	}
	return nil
}
