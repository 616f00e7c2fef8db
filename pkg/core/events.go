package core

import "time"

// Event is the interface for all progress events delivered to the tracker.
type Event interface {
	JobID() string
	eventMarker()
}

// EnumerationCompleted is emitted once the source listing has been drained.
// Files carry their initial state; oversized files arrive already failed.
type EnumerationCompleted struct {
	Job       string
	Files     []FileTask
	Timestamp time.Time
}

func (e *EnumerationCompleted) JobID() string { return e.Job }
func (*EnumerationCompleted) eventMarker()    {}

// EnumerationFailed is emitted when the source cannot be listed.
type EnumerationFailed struct {
	Job       string
	Err       error
	Timestamp time.Time
}

func (e *EnumerationFailed) JobID() string { return e.Job }
func (*EnumerationFailed) eventMarker()    {}

// FileStarted is emitted when a worker picks up a file.
type FileStarted struct {
	Job       string
	Index     int
	Timestamp time.Time
}

func (e *FileStarted) JobID() string { return e.Job }
func (*FileStarted) eventMarker()    {}

// BatchCommitted is emitted after the catalog accepted one batch.
type BatchCommitted struct {
	Job       string
	Index     int
	Items     int
	Skipped   int
	Timestamp time.Time
}

func (e *BatchCommitted) JobID() string { return e.Job }
func (*BatchCommitted) eventMarker()    {}

// FileResult is the final outcome of one file.
type FileResult struct {
	Status         FileStatus
	Skipped        bool
	ItemsProcessed int64
	ItemsSkipped   int64
	DecodeFailures int64
	DecodeErrors   []string
	Batches        int
	Err            error
}

// FileFinished is emitted when a file reaches a terminal state.
type FileFinished struct {
	Job       string
	Index     int
	Result    FileResult
	Timestamp time.Time
}

func (e *FileFinished) JobID() string { return e.Job }
func (*FileFinished) eventMarker()    {}

// EventSink receives progress events.
type EventSink interface {
	Apply(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Apply(ev Event) { f(ev) }
