package service

import (
	"fmt"
	"sync"

	"github.com/RigelNana/arkstudy/materialcore/models"
)

type UploadStage int

const (
	StageValidating UploadStage = iota
	StageCreating
	StageUploading
	StageProcessing
	StageReady
	StageFailed
)

func (s UploadStage) String() string {
	switch s {
	case StageValidating:
		return "validating"
	case StageCreating:
		return "creating"
	case StageUploading:
		return "uploading"
	case StageProcessing:
		return "processing"
	case StageReady:
		return "ready"
	case StageFailed:
		return "failed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// UploadProgress is one value of the progress feed. Percent is set for
// StageUploading, Reason and Err for StageFailed.
type UploadProgress struct {
	Stage   UploadStage
	Percent int
	Reason  string
	Err     error
}

func (p UploadProgress) Terminal() bool {
	return p.Stage == StageReady || p.Stage == StageFailed
}

func (p UploadProgress) String() string {
	switch p.Stage {
	case StageUploading:
		return fmt.Sprintf("uploading(%d)", p.Percent)
	case StageFailed:
		return fmt.Sprintf("failed(%s)", p.Reason)
	}
	return p.Stage.String()
}

// UploadRun is a pipeline started by ExecuteWithProgress.
type UploadRun struct {
	progress <-chan UploadProgress
	done     chan struct{}
	material *models.Material
	err      error
}

// Progress yields one value per stage transition and closes after the
// terminal value. It has a single consumer and cannot be restarted.
func (r *UploadRun) Progress() <-chan UploadProgress {
	return r.progress
}

// Wait blocks until the pipeline finishes. The progress feed need not be
// drained; values not read stay buffered and are released with the run.
func (r *UploadRun) Wait() (*models.Material, error) {
	<-r.done
	return r.material, r.err
}

// progressCapacity bounds one run: validating, creating, uploading(0), at
// most 100 increasing percents, processing and the terminal value.
const progressCapacity = 3 + 100 + 2

// progressFeed is sized so emit never blocks the pipeline and no goroutine
// is needed to forward values. out is closed after the terminal value.
type progressFeed struct {
	mu     sync.Mutex
	closed bool
	out    chan UploadProgress
}

func newProgressFeed() *progressFeed {
	return &progressFeed{out: make(chan UploadProgress, progressCapacity)}
}

func (f *progressFeed) emit(p UploadProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.out <- p:
	default:
		// 超出上限只可能是重复的百分比, 丢弃
		if !p.Terminal() {
			return
		}
		select {
		case <-f.out:
		default:
		}
		f.out <- p
	}
	if p.Terminal() {
		f.closed = true
		close(f.out)
	}
}

func (f *progressFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
}
