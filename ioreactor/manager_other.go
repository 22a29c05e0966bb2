//go:build !linux

// Package ioreactor implements the runtime's I/O manager on top of
// epoll, which is Linux-specific. This file is a minimal
// non-Linux stand-in so the module still compiles elsewhere; New always
// fails with ErrUnsupported.
package ioreactor

import (
	"github.com/joeycumines/go-fiberloop/fiber"
	"github.com/joeycumines/go-fiberloop/scheduler"
	"github.com/joeycumines/go-fiberloop/timer"
)

// Direction is a watched readiness direction.
type Direction int

const (
	EventRead Direction = iota
	EventWrite
)

// Manager is the I/O reactor. On this platform it cannot be
// constructed; New always returns ErrUnsupported.
type Manager struct {
	*scheduler.Scheduler
	Timers *timer.Set
}

// New always fails on non-Linux platforms.
func New(name string, threads int, useCaller bool) (*Manager, error) {
	return nil, ErrUnsupported
}

func (m *Manager) Start()                                                         {}
func (m *Manager) Close() error                                                    { return ErrUnsupported }
func (m *Manager) AddEvent(fd int, dir Direction, threadID int64, cb func()) error { return ErrUnsupported }
func (m *Manager) AddFiberEvent(fd int, dir Direction, f *fiber.Fiber, threadID int64) error {
	return ErrUnsupported
}
func (m *Manager) CancelEvent(fd int, dir Direction) bool { return false }
func (m *Manager) CancelAll(fd int) int                   { return 0 }
func (m *Manager) DelEvent(fd int, dir Direction) bool     { return false }
