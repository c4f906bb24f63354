package calibration

import (
	"context"
	"log"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current Calibration for one channel.  Readers take a
// snapshot with Load and keep using it for the whole computation; Reload and
// Store swap in a new version without disturbing them.
type Holder struct {
	p atomic.Pointer[Calibration]
}

// NewHolder returns a holder publishing c, or a disabled default if c is nil
func NewHolder(c *Calibration) *Holder {
	if c == nil {
		c = Disabled(DefaultSettings())
	}
	h := &Holder{}
	h.p.Store(c)
	return h
}

// Load returns the current calibration
func (h *Holder) Load() *Calibration {
	return h.p.Load()
}

// Store publishes c
func (h *Holder) Store(c *Calibration) {
	h.p.Store(c)
}

// Reload builds a calibration from s and publishes it.  The returned error
// is the Degraded warning from Build, if any; the new version is published
// regardless.
func (h *Holder) Reload(s Settings) error {
	c, err := Build(s)
	h.p.Store(c)
	return err
}

// Watch rebuilds the calibration whenever its file is written or replaced,
// calling onReload after each publish.  It blocks until ctx is done.
func Watch(ctx context.Context, h *Holder, onReload func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	s := h.Load().settings
	if s.Filename == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	target, err := filepath.Abs(s.Filename)
	if err != nil {
		return err
	}
	// editors replace files rather than write them, so watch the directory
	if err = w.Add(filepath.Dir(target)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(ev.Name)
			if name != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s = h.Load().settings
			if !s.Enabled {
				continue
			}
			err := h.Reload(s)
			log.Printf("reloaded calibration %s, enabled=%v", s.Filename, h.Load().Enabled())
			if onReload != nil {
				onReload(err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Println("calibration watcher error", err)
		}
	}
}
