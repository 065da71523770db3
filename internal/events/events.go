// Package events defines the pub/sub lifecycle events shared by the
// evaluator, the execution subsystem, and the listener's plugins.
package events

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel names. Payloads are tab-joined text fields.
const (
	ChannelEvalStarted   = "eval_started"
	ChannelEvalAdded     = "eval_added"
	ChannelEvalCached    = "eval_cached"
	ChannelEvalFailed    = "eval_failed"
	ChannelBuildsAdded   = "builds_added"
	ChannelBuildStarted  = "build_started"
	ChannelBuildFinished = "build_finished"
	ChannelStepFinished  = "step_finished"
)

// Channels lists every channel the listener subscribes to.
var Channels = []string{
	ChannelEvalStarted,
	ChannelEvalAdded,
	ChannelEvalCached,
	ChannelEvalFailed,
	ChannelBuildsAdded,
	ChannelBuildStarted,
	ChannelBuildFinished,
	ChannelStepFinished,
}

// Event is a decoded pub/sub message.
type Event interface {
	// Channel returns the channel the event arrived on.
	Channel() string
}

// EvalStarted announces the beginning of an evaluation run.
type EvalStarted struct {
	TraceID string
	Project string
	Jobset  string
}

func (EvalStarted) Channel() string { return ChannelEvalStarted }

// EvalAdded announces a committed evaluation that changed the build set.
type EvalAdded struct {
	TraceID string
	EvalID  int64
}

func (EvalAdded) Channel() string { return ChannelEvalAdded }

// EvalCached announces a run that re-affirmed the previous evaluation.
type EvalCached struct {
	TraceID string
}

func (EvalCached) Channel() string { return ChannelEvalCached }

// EvalFailed announces a fatally failed evaluation run.
type EvalFailed struct {
	TraceID string
}

func (EvalFailed) Channel() string { return ChannelEvalFailed }

// BuildsAdded announces newly scheduled builds; the execution subsystem
// starts dequeuing at the lowest new build id.
type BuildsAdded struct {
	LowestBuildID int64
}

func (BuildsAdded) Channel() string { return ChannelBuildsAdded }

// BuildStarted announces that the execution subsystem picked up a build.
type BuildStarted struct {
	BuildID int64
}

func (BuildStarted) Channel() string { return ChannelBuildStarted }

// BuildFinished announces a completed build, optionally with the dependent
// builds finished alongside it.
type BuildFinished struct {
	BuildID      int64
	DependentIDs []int64
}

func (BuildFinished) Channel() string { return ChannelBuildFinished }

// StepFinished announces one finished build step.
type StepFinished struct {
	BuildID int64
	StepNr  int
	LogPath string
}

func (StepFinished) Channel() string { return ChannelStepFinished }

// Decode turns a channel name and its tab-delimited payload into a typed
// event.
func Decode(channel, payload string) (Event, error) {
	fields := strings.Split(payload, "\t")
	// A channel with an empty payload has zero fields, not one empty field.
	if payload == "" {
		fields = nil
	}

	switch channel {
	case ChannelEvalStarted:
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s: expected 3 fields, got %d", channel, len(fields))
		}
		return EvalStarted{TraceID: fields[0], Project: fields[1], Jobset: fields[2]}, nil

	case ChannelEvalAdded:
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s: expected 2 fields, got %d", channel, len(fields))
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad eval id %q", channel, fields[1])
		}
		return EvalAdded{TraceID: fields[0], EvalID: id}, nil

	case ChannelEvalCached:
		if len(fields) != 1 {
			return nil, fmt.Errorf("%s: expected 1 field, got %d", channel, len(fields))
		}
		return EvalCached{TraceID: fields[0]}, nil

	case ChannelEvalFailed:
		if len(fields) != 1 {
			return nil, fmt.Errorf("%s: expected 1 field, got %d", channel, len(fields))
		}
		return EvalFailed{TraceID: fields[0]}, nil

	case ChannelBuildsAdded:
		if len(fields) != 1 {
			return nil, fmt.Errorf("%s: expected 1 field, got %d", channel, len(fields))
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad build id %q", channel, fields[0])
		}
		return BuildsAdded{LowestBuildID: id}, nil

	case ChannelBuildStarted:
		if len(fields) != 1 {
			return nil, fmt.Errorf("%s: expected 1 field, got %d", channel, len(fields))
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad build id %q", channel, fields[0])
		}
		return BuildStarted{BuildID: id}, nil

	case ChannelBuildFinished:
		if len(fields) < 1 {
			return nil, fmt.Errorf("%s: expected at least 1 field, got %d", channel, len(fields))
		}
		ev := BuildFinished{}
		for i, field := range fields {
			id, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: bad build id %q", channel, field)
			}
			if i == 0 {
				ev.BuildID = id
			} else {
				ev.DependentIDs = append(ev.DependentIDs, id)
			}
		}
		return ev, nil

	case ChannelStepFinished:
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s: expected 3 fields, got %d", channel, len(fields))
		}
		buildID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad build id %q", channel, fields[0])
		}
		stepNr, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s: bad step number %q", channel, fields[1])
		}
		return StepFinished{BuildID: buildID, StepNr: stepNr, LogPath: fields[2]}, nil

	default:
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
}
