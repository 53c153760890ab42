// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomlock serialises writers per room and lets readers wait for
// in-flight appends to finish before they read a room.
//
// Each room has two locks. The state-mutation lock is held by a writer for
// the whole of "build the next event from current state, then append it".
// The insert lock is held by storage only while it assigns a position,
// writes the event and moves the room's current snapshot. Readers never
// take the state-mutation lock; they acquire and immediately release the
// insert lock (AwaitPendingWrites) so that every append that had already
// been assigned a position is visible before they read.
package roomlock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ErrPoisoned is returned when a room lock was abandoned by a panicking
// holder. The room must not be written to again until the process restarts.
var ErrPoisoned = errors.New("room lock poisoned")

type lockKind int

const (
	stateMutation lockKind = iota
	insert
)

func (k lockKind) String() string {
	if k == insert {
		return "insert"
	}
	return "state"
}

type poisonableMutex struct {
	mu       sync.Mutex
	poisoned atomic.Bool
}

func (pm *poisonableMutex) poison(roomID string, kind lockKind) {
	pm.poisoned.Store(true)
	poisonedRooms.WithLabelValues(kind.String()).Inc()
	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"lock":    kind.String(),
	}).Error("Room lock holder panicked, lock is now poisoned")
}

// roomLocks holds the two locks of one room. Entries are created on first
// use and never removed.
type roomLocks struct {
	state  poisonableMutex
	insert poisonableMutex
}

// Registry maps room ids to their locks.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*roomLocks
}

func NewRegistry() *Registry {
	registerMetrics()
	return &Registry{
		rooms: make(map[string]*roomLocks),
	}
}

// Guard releases a held room lock. Unlock is safe to call more than once.
type Guard struct {
	once   sync.Once
	pm     *poisonableMutex
	roomID string
	kind   lockKind
}

// Unlock releases the lock. When it is deferred directly (defer g.Unlock())
// and the holder panics, the lock is poisoned before it is released and the
// panic carries on. Deferring it inside a closure cannot see the panic, so
// the lock is released unpoisoned.
func (g *Guard) Unlock() {
	if p := recover(); p != nil {
		g.once.Do(func() {
			g.pm.poison(g.roomID, g.kind)
			g.pm.mu.Unlock()
		})
		panic(p)
	}
	g.once.Do(g.pm.mu.Unlock)
}

func (r *Registry) locksFor(roomID string) *roomLocks {
	r.mu.Lock()
	defer r.mu.Unlock()
	locks, ok := r.rooms[roomID]
	if !ok {
		locks = &roomLocks{}
		r.rooms[roomID] = locks
	}
	return locks
}

func (r *Registry) mutex(roomID string, kind lockKind) *poisonableMutex {
	locks := r.locksFor(roomID)
	if kind == insert {
		return &locks.insert
	}
	return &locks.state
}

func (r *Registry) lock(roomID string, kind lockKind) (*Guard, error) {
	pm := r.mutex(roomID, kind)
	pm.mu.Lock()
	if pm.poisoned.Load() {
		pm.mu.Unlock()
		return nil, fmt.Errorf("%s lock for room %s: %w", kind, roomID, ErrPoisoned)
	}
	return &Guard{pm: pm, roomID: roomID, kind: kind}, nil
}

// LockForStateMutation takes the room's state-mutation lock. The caller
// must Unlock the returned guard once its event has been appended, with
// defer g.Unlock() so that a panic poisons the lock. WithStateMutation
// poisons on panic however fn is written.
func (r *Registry) LockForStateMutation(roomID string) (*Guard, error) {
	return r.lock(roomID, stateMutation)
}

// LockForInsert takes the room's insert lock. It is meant for the storage
// append path only.
func (r *Registry) LockForInsert(roomID string) (*Guard, error) {
	return r.lock(roomID, insert)
}

// WithStateMutation runs fn holding the room's state-mutation lock.
func (r *Registry) WithStateMutation(roomID string, fn func() error) error {
	return r.with(roomID, stateMutation, fn)
}

// WithInsert runs fn holding the room's insert lock.
func (r *Registry) WithInsert(roomID string, fn func() error) error {
	return r.with(roomID, insert, fn)
}

// with runs fn under the lock. If fn panics the lock is poisoned, released
// and the panic continues up the stack.
func (r *Registry) with(roomID string, kind lockKind, fn func() error) error {
	pm := r.mutex(roomID, kind)
	pm.mu.Lock()
	if pm.poisoned.Load() {
		pm.mu.Unlock()
		return fmt.Errorf("%s lock for room %s: %w", kind, roomID, ErrPoisoned)
	}
	completed := false
	defer func() {
		if !completed {
			pm.poison(roomID, kind)
		}
		pm.mu.Unlock()
	}()
	err := fn()
	completed = true
	return err
}

// AwaitPendingWrites blocks until no append is in progress for the room.
// The insert lock is taken and released with nothing in between.
func (r *Registry) AwaitPendingWrites(roomID string) error {
	start := time.Now()
	g, err := r.LockForInsert(roomID)
	if err != nil {
		return err
	}
	g.Unlock()
	barrierWaitDuration.Observe(time.Since(start).Seconds())
	return nil
}
