package resrobot

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nearest-departures/internal/transit"
)

type departureBoardResponse struct {
	Departure []departureRecord `json:"Departure"`
}

type departureRecord struct {
	Name          string          `json:"name"`
	Time          string          `json:"time"`
	Date          string          `json:"date"`
	Stop          string          `json:"stop"`
	Direction     string          `json:"direction"`
	Track         string          `json:"track"`
	RtTrack       string          `json:"rtTrack"`
	ProductAtStop *productRecord  `json:"ProductAtStop"`
	Product       []productRecord `json:"Product"`
}

type productRecord struct {
	Name          string `json:"name"`
	CatCode       string `json:"catCode"`
	CatOutL       string `json:"catOutL"`
	Line          string `json:"line"`
	DisplayNumber string `json:"displayNumber"`
}

func (r departureRecord) product() *productRecord {
	if r.ProductAtStop != nil {
		return r.ProductAtStop
	}
	if len(r.Product) > 0 {
		return &r.Product[0]
	}
	return nil
}

func (r departureRecord) scheduledTime() string {
	if r.Date == "" {
		return r.Time
	}
	return r.Date + "T" + r.Time
}

func (r departureRecord) track() *string {
	if t := nonEmpty(r.RtTrack); t != nil {
		return t
	}
	return nonEmpty(r.Track)
}

func (r departureRecord) normalize() transit.Departure {
	d := transit.Departure{
		ServiceName:      r.Name,
		ScheduledTime:    r.scheduledTime(),
		OriginStopName:   r.Stop,
		DestinationLabel: r.Direction,
		Track:            r.track(),
	}
	if p := r.product(); p != nil {
		d.Mode = p.CatCode
		d.LineLabel = nonEmpty(p.Line)
		if d.LineLabel == nil {
			d.LineLabel = nonEmpty(p.DisplayNumber)
		}
	}
	return d
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Departures fetches the departure board for stopID within w. Records keep the
// provider's order; the result never holds more than w.MaxDepartures entries.
// An empty board is not an error.
func (cl *Client) Departures(ctx context.Context, stopID string, w transit.Window) ([]transit.Departure, error) {
	if w.MaxDepartures <= 0 {
		return nil, transit.NewError(transit.KindDepartureFetchFailed, fmt.Errorf("invalid max departures %d", w.MaxDepartures))
	}
	u := cl.departureBoardURL(stopID, w.ModeFilter.Code(), w.MaxDepartures, w.DurationMinutes)
	var resp departureBoardResponse
	if err := cl.getJSON(ctx, endpointDepartureBoard, u, &resp); err != nil {
		cl.logger.Warn("error fetching transport data",
			zap.String("stop_id", stopID),
			zap.Error(err),
		)
		return nil, transit.NewError(transit.KindDepartureFetchFailed, err)
	}

	n := len(resp.Departure)
	if n > w.MaxDepartures {
		n = w.MaxDepartures
	}
	result := make([]transit.Departure, 0, n)
	for _, r := range resp.Departure[:n] {
		result = append(result, r.normalize())
	}
	cl.logger.Debug("departure board fetched",
		zap.String("stop_id", stopID),
		zap.Int("received", len(resp.Departure)),
		zap.Int("kept", len(result)),
	)
	return result, nil
}
