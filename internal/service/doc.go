package service

// Package service implements scheduling and execution of image scans.
//
// Overview
// The Scheduler owns a FIFO queue of images waiting for a scan and a bounded
// set of images being scanned. Enqueue accepts an image only when it is valid,
// not pending and not yet scanned. Tick runs in two phases: it frees the slots
// of images which already have a result record, then launches queued images
// until the concurrency limit is reached.
//
// The Pipeline scans one image. It is a state machine with the stages
//
//   validate -> check_exists -> pull -> scan -> cleanup -> done
//
// executed by a loop around the transition function next. A failed pull
// writes a failure record and halts, the image is not removed. A failed scan
// writes a failure record and cleanup still runs.
//
// Runner is a thin wrapper around os/exec:
//   - starts the process and waits for it
//   - captures stdout
//   - splits stderr into lines, optionally passed to a callback
//   - kills the process on timeout or canceled context
//
// Data flow:
//
//   gocron          Supervisor            Scheduler             Pipeline
//     |                 |                     |                     |
//   discovery -------->| Discover ---------->| Enqueue              |
//   tick ------------->|-------------------->| Tick                 |
//     |                 |<----- Launch -------|                     |
//     |                 | go Run --------------------------------->| Runner.Exec
//     |                 |                     |                     | Store.Write*
//     |                 |                     | Tick: Store.Exists  |
//
// Invariants:
//   - An image is at most once in the queue or in progress.
//   - In progress never exceeds the concurrency limit.
//   - Completion is observed only by polling the result store.
//   - Each pipeline run writes at most one record.
//
// internal/service/supervisor_test.go is the best source about how to wire
// Supervisor, Scheduler and Pipeline together.
