package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks migration progress using lock-free atomic counters.
type Collector struct {
	dirsRecorded  atomic.Int64
	filesRecorded atomic.Int64
	bytesRecorded atomic.Int64
	dirsRestored  atomic.Int64
	filesRestored atomic.Int64
	bytesRestored atomic.Int64
	scratchErases atomic.Int64
	stepsApplied  atomic.Int64
	stepsFailed   atomic.Int64
	stepsSkipped  atomic.Int64
	startTime     time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	DirsRecorded  int64
	FilesRecorded int64
	BytesRecorded int64
	DirsRestored  int64
	FilesRestored int64
	BytesRestored int64
	ScratchErases int64
	StepsApplied  int64
	StepsFailed   int64
	StepsSkipped  int64
	Elapsed       time.Duration
}

// The Add methods accept a nil receiver so callers can pass an optional
// collector through without checking.

func (c *Collector) AddDirsRecorded(n int64) {
	if c != nil {
		c.dirsRecorded.Add(n)
	}
}

func (c *Collector) AddFilesRecorded(n int64) {
	if c != nil {
		c.filesRecorded.Add(n)
	}
}

func (c *Collector) AddBytesRecorded(n int64) {
	if c != nil {
		c.bytesRecorded.Add(n)
	}
}

func (c *Collector) AddDirsRestored(n int64) {
	if c != nil {
		c.dirsRestored.Add(n)
	}
}

func (c *Collector) AddFilesRestored(n int64) {
	if c != nil {
		c.filesRestored.Add(n)
	}
}

func (c *Collector) AddBytesRestored(n int64) {
	if c != nil {
		c.bytesRestored.Add(n)
	}
}

func (c *Collector) AddScratchErases(n int64) {
	if c != nil {
		c.scratchErases.Add(n)
	}
}

func (c *Collector) AddStepsApplied(n int64) {
	if c != nil {
		c.stepsApplied.Add(n)
	}
}

func (c *Collector) AddStepsFailed(n int64) {
	if c != nil {
		c.stepsFailed.Add(n)
	}
}

func (c *Collector) AddStepsSkipped(n int64) {
	if c != nil {
		c.stepsSkipped.Add(n)
	}
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		DirsRecorded:  c.dirsRecorded.Load(),
		FilesRecorded: c.filesRecorded.Load(),
		BytesRecorded: c.bytesRecorded.Load(),
		DirsRestored:  c.dirsRestored.Load(),
		FilesRestored: c.filesRestored.Load(),
		BytesRestored: c.bytesRestored.Load(),
		ScratchErases: c.scratchErases.Load(),
		StepsApplied:  c.stepsApplied.Load(),
		StepsFailed:   c.stepsFailed.Load(),
		StepsSkipped:  c.stepsSkipped.Load(),
		Elapsed:       c.Elapsed(),
	}
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"recorded=%d/%d bytes=%d restored=%d/%d bytes=%d erases=%d steps=%d failed=%d skipped=%d",
		s.DirsRecorded, s.FilesRecorded, s.BytesRecorded,
		s.DirsRestored, s.FilesRestored, s.BytesRestored,
		s.ScratchErases, s.StepsApplied, s.StepsFailed, s.StepsSkipped,
	)
}
