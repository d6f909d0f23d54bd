package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Lookout/internal/model"
)

// Lookup reports whether a result record exists for an image.
type Lookup interface {
	Exists(image string) (bool, error)
}

// Launcher starts a pipeline for an image without waiting for it. It is
// called with the scheduler locked and must not call back into it.
type Launcher interface {
	Launch(ctx context.Context, image string)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, image string)

func (f LauncherFunc) Launch(ctx context.Context, image string) {
	f(ctx, image)
}

// Scheduler owns a FIFO queue of images and the set of images in progress.
// Slots are freed only by Tick, once the store holds a record for the image.
type Scheduler struct {
	mx         sync.Mutex
	store      Lookup
	launcher   Launcher
	limit      int
	queue      []string
	inProgress []running
	pending    map[string]struct{} // queue and inProgress
	now        func() time.Time
}

type running struct {
	image string
	start time.Time
}

func NewScheduler(store Lookup, launcher Launcher, limit int) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{
		store:    store,
		launcher: launcher,
		limit:    limit,
		pending:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for start times. Exists for unit tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Enqueue appends valid images which are neither pending nor scanned to the
// queue, in the given order. It returns the accepted images.
func (s *Scheduler) Enqueue(ctx context.Context, images []string) []string {
	s.mx.Lock()
	defer s.mx.Unlock()

	accepted := make([]string, 0, len(images))
	for _, image := range images {
		if !model.ValidImage(image) {
			slog.WarnContext(ctx, "invalid image: ignoring", "image", image)
			continue
		}
		if _, ok := s.pending[image]; ok {
			slog.DebugContext(ctx, "already queued: ignoring", "image", image)
			continue
		}
		exists, err := s.store.Exists(image)
		if err != nil {
			slog.ErrorContext(ctx, "checking result store", "image", image, "error", err)
			continue
		}
		if exists {
			slog.DebugContext(ctx, "already scanned: ignoring", "image", image)
			continue
		}
		s.queue = append(s.queue, image)
		s.pending[image] = struct{}{}
		accepted = append(accepted, image)
	}
	if len(accepted) > 0 {
		slog.InfoContext(ctx, "images queued", "images", accepted)
	}
	return accepted
}

// Tick frees the slots of finished images and launches queued images up to
// the concurrency limit.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()

	now := s.now()
	kept := s.inProgress[:0]
	for _, r := range s.inProgress {
		done, err := s.store.Exists(r.image)
		if err != nil {
			slog.ErrorContext(ctx, "checking result store", "image", r.image, "error", err)
		}
		if !done {
			kept = append(kept, r)
			continue
		}
		delete(s.pending, r.image)
		slog.InfoContext(ctx, "scan finished", "image", r.image, "elapsed", now.Sub(r.start).Round(time.Second).String())
	}
	clear(s.inProgress[len(kept):])
	s.inProgress = kept

	for len(s.queue) > 0 && len(s.inProgress) < s.limit {
		image := s.queue[0]
		s.queue[0] = ""
		s.queue = s.queue[1:]
		s.inProgress = append(s.inProgress, running{image: image, start: now})
		slog.InfoContext(ctx, "launching scan", "image", image)
		s.launcher.Launch(ctx, image)
	}
}

// Snapshot is a point in time view of the scheduler.
type Snapshot struct {
	InProgress []InProgress `json:"inProgress"`
	Queue      []string     `json:"queue"`
}

type InProgress struct {
	Image          string    `json:"image"`
	Start          time.Time `json:"start"`
	SecondsElapsed int64     `json:"seconds_elapsed"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mx.Lock()
	defer s.mx.Unlock()

	now := s.now()
	snap := Snapshot{
		InProgress: make([]InProgress, 0, len(s.inProgress)),
		Queue:      append(make([]string, 0, len(s.queue)), s.queue...),
	}
	for _, r := range s.inProgress {
		snap.InProgress = append(snap.InProgress, InProgress{
			Image:          r.image,
			Start:          r.start,
			SecondsElapsed: int64(now.Sub(r.start) / time.Second),
		})
	}
	return snap
}

// Pending reports whether the image is queued or in progress.
func (s *Scheduler) Pending(image string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.pending[image]
	return ok
}
