package transit

import (
	"fmt"
	"strings"
)

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Stop is a boarding location identified by the provider's external id.
type Stop struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Departure is one upcoming vehicle departure, normalized away from the provider's wire shape.
// Track and LineLabel are nil when the source record does not carry them.
type Departure struct {
	ServiceName      string  `json:"serviceName"`
	ScheduledTime    string  `json:"scheduledTime"` // YYYY-MM-DDTHH:MM:SS, or bare HH:MM[:SS]
	OriginStopName   string  `json:"originStopName"`
	DestinationLabel string  `json:"destinationLabel"`
	Track            *string `json:"track"`
	Mode             string  `json:"mode"`
	LineLabel        *string `json:"lineLabel"`
}

// ModeFilter selects which transport categories a departure-board query includes.
// Values are the provider's product bitmask; ModeAll sends no filter.
type ModeFilter int

const (
	ModeAll            ModeFilter = 0
	ModeSurfaceAndRail ModeFilter = 4 | 8 | 16 | 128 | 256 // regional, express bus, local train, bus, ferry
	ModeRailOnly       ModeFilter = 2 | 4 | 16             // high speed, regional, local train
	ModeBusOnly        ModeFilter = 8 | 128                // express bus, bus
)

var modeFilterNames = map[string]ModeFilter{
	"all":          ModeAll,
	"surface-rail": ModeSurfaceAndRail,
	"rail":         ModeRailOnly,
	"bus":          ModeBusOnly,
}

// ParseModeFilter maps a configuration name (all, surface-rail, rail, bus) to a ModeFilter.
func ParseModeFilter(s string) (ModeFilter, error) {
	m, ok := modeFilterNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown mode filter %q", s)
	}
	return m, nil
}

// Code returns the product code sent upstream, or 0 when no filter applies.
func (m ModeFilter) Code() int { return int(m) }

func (m ModeFilter) String() string {
	for name, v := range modeFilterNames {
		if v == m {
			return name
		}
	}
	return fmt.Sprintf("products(%d)", int(m))
}

// Window bounds a departure-board query.
type Window struct {
	DurationMinutes int
	MaxDepartures   int
	ModeFilter      ModeFilter
}

// DefaultWindow is the 30 minute, 5 departure, surface and rail window.
func DefaultWindow() Window {
	return Window{DurationMinutes: 30, MaxDepartures: 5, ModeFilter: ModeSurfaceAndRail}
}
