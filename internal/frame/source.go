// Package frame provides the still images a streaming session sends and the
// encoder that turns them into transportable payloads.
package frame

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ErrNotReady is returned by a Source that has no frame to offer yet. The
// session skips the iteration instead of failing.
var ErrNotReady = errors.New("frame source not ready")

// Source hands out the current still image on demand.
type Source interface {
	Frame(ctx context.Context) (image.Image, error)
}

// Mailbox holds the latest frame pushed by a camera. Publishing overwrites an
// unconsumed frame instead of queueing it, so a reader always gets the most
// recent image.
type Mailbox struct {
	mu       sync.Mutex
	img      image.Image
	consumed bool
	drops    atomic.Uint64
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Publish replaces the held frame. Replacing a frame nobody read counts as a drop.
func (m *Mailbox) Publish(img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.img != nil && !m.consumed {
		m.drops.Add(1)
	}
	m.img = img
	m.consumed = false
}

// Frame returns the held frame. The frame stays available for later calls
// until it is replaced or Reset.
func (m *Mailbox) Frame(_ context.Context) (image.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.img == nil {
		return nil, ErrNotReady
	}
	m.consumed = true
	return m.img, nil
}

// Reset drops the held frame, e.g. when the camera stops.
func (m *Mailbox) Reset() {
	m.mu.Lock()
	m.img = nil
	m.mu.Unlock()
}

func (m *Mailbox) Drops() uint64 {
	return m.drops.Load()
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// DirSource replays the images of a directory in lexical order, decoding each
// file only when it is requested.
type DirSource struct {
	paths []string
	loop  bool

	mu       sync.Mutex
	next     int
	done     chan struct{}
	doneOnce sync.Once
}

// NewDirSource lists the images in dir. With loop set the sequence wraps
// around instead of ending.
func NewDirSource(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read frame directory %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %s", dir)
	}
	return &DirSource{paths: paths, loop: loop, done: make(chan struct{})}, nil
}

func (d *DirSource) Len() int { return len(d.paths) }

// Done is closed when a non-looping source is asked for a frame after its
// last one. A caller that pulls frames one at a time has finished with every
// frame by then, whatever happened to it.
func (d *DirSource) Done() <-chan struct{} { return d.done }

func (d *DirSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.next >= len(d.paths) {
		if !d.loop {
			d.mu.Unlock()
			d.doneOnce.Do(func() { close(d.done) })
			return nil, ErrNotReady
		}
		d.next = 0
	}
	path := d.paths[d.next]
	d.next++
	d.mu.Unlock()

	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}
