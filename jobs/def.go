package jobs

import (
	"fmt"
	"time"

	"YoloDataAug/dataset"
	iface "YoloDataAug/interface"
)

type Kind string

const (
	KindPartition Kind = "partition"
	KindAugment   Kind = "augment"
	KindRename    Kind = "rename"
)

type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Request describes one dataset run. Dest is unused by rename, which works
// in place on Source.
type Request struct {
	Kind        Kind        `json:"kind"`
	Source      string      `json:"source"`
	Dest        string      `json:"dest,omitempty"`
	ValFraction float64     `json:"valFraction,omitempty"`
	Split       iface.Split `json:"split,omitempty"`
}

func (r *Request) normalize() error {
	if r.Source == "" {
		return fmt.Errorf("%s: source is required", r.Kind)
	}
	switch r.Kind {
	case KindPartition:
		if r.Dest == "" {
			return fmt.Errorf("%s: dest is required", r.Kind)
		}
		if r.ValFraction == 0 {
			r.ValFraction = dataset.DefaultValFraction
		}
		if !(r.ValFraction > 0 && r.ValFraction <= 1) {
			return fmt.Errorf("%s: val fraction %v outside (0, 1]", r.Kind, r.ValFraction)
		}
	case KindAugment:
		if r.Dest == "" {
			return fmt.Errorf("%s: dest is required", r.Kind)
		}
	case KindRename:
		if r.Split == "" {
			r.Split = iface.SplitTrain
		}
	default:
		return fmt.Errorf("unknown job kind %q", r.Kind)
	}
	return nil
}

// Status is a point-in-time copy of a job.
type Status struct {
	ID        string            `json:"id"`
	Request   Request           `json:"request"`
	State     State             `json:"state"`
	Error     string            `json:"error,omitempty"`
	Result    any               `json:"result,omitempty"`
	Summaries []dataset.Summary `json:"summaries,omitempty"`
	Created   time.Time         `json:"created"`
	Started   time.Time         `json:"started,omitzero"`
	Finished  time.Time         `json:"finished,omitzero"`
}

func (s Status) Terminal() bool {
	return s.State == StateDone || s.State == StateFailed
}

// Outcome is what an Executor hands back for a finished run.
type Outcome struct {
	Result    any
	Summaries []dataset.Summary
}

// Executor performs a run synchronously.
type Executor interface {
	Execute(req Request) (Outcome, error)
}
