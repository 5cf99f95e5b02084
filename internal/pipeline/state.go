package pipeline

import (
	"time"

	"nearest-departures/internal/transit"
)

type Stage string

const (
	StageIdle               Stage = "idle"
	StageAcquiringLocation  Stage = "acquiring_location"
	StageResolvingStop      Stage = "resolving_stop"
	StageFetchingDepartures Stage = "fetching_departures"
	StageDone               Stage = "done"
	StageFailed             Stage = "failed"
)

// Terminal reports whether no further transition happens within the run.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

// ErrorInfo is the user-facing form of a failed run.
type ErrorInfo struct {
	Kind     transit.Kind `json:"kind"`
	Category string       `json:"category"`
	Message  string       `json:"message"`
}

func errorInfo(k transit.Kind) *ErrorInfo {
	return &ErrorInfo{Kind: k, Category: k.Category(), Message: k.Message()}
}

// State is the snapshot a renderer sees. Departures keep the provider's order.
type State struct {
	RunID      string              `json:"runId,omitempty"`
	Stage      Stage               `json:"stage"`
	Coordinate *transit.Coordinate `json:"coordinate"`
	Stop       *transit.Stop       `json:"stop"`
	IsLoading  bool                `json:"isLoading"`
	Error      *ErrorInfo          `json:"error"`
	Departures []transit.Departure `json:"departures"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// clone returns a copy sharing nothing mutable with s.
func (s State) clone() State {
	c := s
	if s.Coordinate != nil {
		v := *s.Coordinate
		c.Coordinate = &v
	}
	if s.Stop != nil {
		v := *s.Stop
		c.Stop = &v
	}
	if s.Error != nil {
		v := *s.Error
		c.Error = &v
	}
	c.Departures = make([]transit.Departure, len(s.Departures))
	copy(c.Departures, s.Departures)
	return c
}
