package resrobot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"nearest-departures/internal/transit"
)

type nearbyStopsResponse struct {
	StopLocationOrCoordLocation []struct {
		StopLocation *stopLocation `json:"StopLocation"`
	} `json:"stopLocationOrCoordLocation"`
}

type stopLocation struct {
	ID    string     `json:"id"`
	ExtID externalID `json:"extId"`
	Name  string     `json:"name"`
	Lat   float64    `json:"lat"`
	Lon   float64    `json:"lon"`
	Dist  int        `json:"dist"`
}

// externalID accepts both quoted and bare numeric ids.
type externalID string

func (e *externalID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = externalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*e = externalID(n.String())
	return nil
}

// NearestStop returns the first candidate of a nearby-stops query around c.
// The provider's ordering is taken as-is. Coordinates are passed through unvalidated.
func (cl *Client) NearestStop(ctx context.Context, c transit.Coordinate) (transit.Stop, error) {
	var resp nearbyStopsResponse
	if err := cl.getJSON(ctx, endpointNearbyStops, cl.nearbyStopsURL(c.Latitude, c.Longitude), &resp); err != nil {
		cl.logger.Warn("error fetching nearest station", zap.Error(err))
		return transit.Stop{}, transit.NewError(transit.KindStopLookupFailed, err)
	}

	if len(resp.StopLocationOrCoordLocation) == 0 {
		cl.logger.Info("no station found near position")
		return transit.Stop{}, transit.NewError(transit.KindNoStopFound, nil)
	}

	// only the first candidate counts; a non-stop first entry is a bad answer
	sl := resp.StopLocationOrCoordLocation[0].StopLocation
	if sl == nil || sl.ExtID == "" {
		err := errors.New("nearest candidate has no stop extId")
		cl.logger.Warn("malformed nearby stops response", zap.Error(err))
		return transit.Stop{}, transit.NewError(transit.KindStopLookupFailed, err)
	}
	cl.logger.Info("nearest station resolved",
		zap.String("stop_id", string(sl.ExtID)),
		zap.String("stop_name", sl.Name),
		zap.Int("distance_m", sl.Dist),
	)
	return transit.Stop{ID: string(sl.ExtID), Name: sl.Name}, nil
}
