// Package rearrange precomputes the waveforms that move atoms from a loading
// array of source traps into a set of target traps, and assembles them at run
// time from an occupancy report without evaluating any profile.
//
// Build is slow and may run anywhere; it returns an immutable Table which an
// Engine publishes.  Resolve is the hot path: it must be called from one
// goroutine, takes no locks, and does not allocate.
package rearrange

import (
	"log"
	"strings"
	"sync/atomic"

	"github.com/tweezerlab/awg/fault"
)

// Engine publishes rearrangement tables
type Engine struct {
	t atomic.Pointer[Table]
}

// Publish makes t the live table
func (e *Engine) Publish(t *Table) { e.t.Store(t) }

// Clear withdraws the live table; Resolve reports a cache miss until the next
// Publish
func (e *Engine) Clear() { e.t.Store(nil) }

// Table returns the live table, nil if none
func (e *Engine) Table() *Table { return e.t.Load() }

// Resolve returns the buffers to upload for an occupancy report: one in
// simultaneous mode, Reserved() in sequential mode.  The buffers belong to
// the table and are overwritten by the next call.
func (e *Engine) Resolve(occ string) ([][]int16, error) {
	t := e.t.Load()
	if t == nil {
		return nil, fault.CacheMissf("rearrange.Resolve", "no rearrangement table is configured")
	}
	return t.Resolve(occ)
}

// Canonicalize returns the pattern an occupancy report resolves to
func (e *Engine) Canonicalize(occ string) (string, error) {
	t := e.t.Load()
	if t == nil {
		return "", fault.CacheMissf("rearrange.Canonicalize", "no rearrangement table is configured")
	}
	return Canonicalize(occ, len(t.cfg.SourcesMHz), len(t.cfg.TargetsMHz))
}

// Canonicalize maps an occupancy report onto the pattern of n sources and m
// targets it resolves to
func Canonicalize(occ string, n, m int) (string, error) {
	mask, err := canonical(occ, n, m)
	if err != nil {
		return "", err
	}
	if !strings.Contains(occ[:min(len(occ), n)], "1") {
		log.Printf("occupancy %q holds no atoms, rearranging as if trap 0 were loaded", occ)
	}
	return maskString(mask, n), nil
}
