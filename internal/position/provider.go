package position

import (
	"context"
	"errors"

	"nearest-departures/internal/transit"
)

// Provider acquires the current position once. Failures are *transit.Error
// with one of the location kinds.
type Provider interface {
	Acquire(ctx context.Context) (transit.Coordinate, error)
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context) (transit.Coordinate, error)

func (f Func) Acquire(ctx context.Context) (transit.Coordinate, error) { return f(ctx) }

// Static returns a fixed, configured position. A nil coordinate means the
// host has no location capability.
type Static struct {
	coord *transit.Coordinate
}

func NewStatic(c *transit.Coordinate) *Static {
	if c == nil {
		return &Static{}
	}
	cc := *c
	return &Static{coord: &cc}
}

func (s *Static) Acquire(ctx context.Context) (transit.Coordinate, error) {
	if s.coord == nil {
		return transit.Coordinate{}, transit.NewError(transit.KindLocationUnavailable, errors.New("no position configured"))
	}
	if err := ctx.Err(); err != nil {
		return transit.Coordinate{}, classifyContextErr(err)
	}
	return *s.coord, nil
}

func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return transit.NewError(transit.KindLocationTimeout, err)
	}
	return transit.NewError(transit.KindLocationUnavailable, err)
}
