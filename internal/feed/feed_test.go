package feed

import (
	"context"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

func TestVehiclePositions_OnlyInProgressTrips(t *testing.T) {
	ctx := context.Background()
	mem := db.NewMemoryStore()
	mem.PutTrip(
		models.Trip{ID: "t2", RouteID: "r1", BusID: "bus-2", ServiceDate: "2025-09-29", DepartureTime: "06:30", Status: models.TripInProgress},
		models.Trip{ID: "t1", RouteID: "r1", BusID: "bus-1", Status: models.TripInProgress},
		models.Trip{ID: "done", BusID: "bus-3", Status: models.TripCompleted},
	)
	ts := time.Date(2025, 9, 29, 6, 40, 0, 0, time.UTC)
	for _, s := range []models.LocationSample{
		{TripID: "t2", BusID: "bus-2", Lat: 10.78, Lon: 106.69, Timestamp: ts},
		{TripID: "t1", Lat: 10.80, Lon: 106.71},
		{TripID: "done", BusID: "bus-3", Lat: 1, Lon: 1, Timestamp: ts},
		{TripID: "orphan", Lat: 1, Lon: 1, Timestamp: ts},
	} {
		require.NoError(t, mem.SaveLocation(ctx, s))
	}

	v := NewVehiclePositions(mem, mem)
	v.now = func() time.Time { return ts.Add(time.Minute) }

	b, err := v.Encode(ctx)
	require.NoError(t, err)

	var fm gtfsrtpb.FeedMessage
	require.NoError(t, proto.Unmarshal(b, &fm))
	assert.Equal(t, "2.0", fm.GetHeader().GetGtfsRealtimeVersion())
	assert.Equal(t, gtfsrtpb.FeedHeader_FULL_DATASET, fm.GetHeader().GetIncrementality())
	assert.Equal(t, uint64(ts.Add(time.Minute).Unix()), fm.GetHeader().GetTimestamp())

	require.Len(t, fm.Entity, 2)
	first, second := fm.Entity[0].GetVehicle(), fm.Entity[1].GetVehicle()
	assert.Equal(t, "t1", first.GetTrip().GetTripId())
	assert.Equal(t, "bus-1", first.GetVehicle().GetId())
	assert.Nil(t, first.Timestamp)

	assert.Equal(t, "t2", second.GetTrip().GetTripId())
	assert.Equal(t, "20250929", second.GetTrip().GetStartDate())
	assert.Equal(t, "06:30:00", second.GetTrip().GetStartTime())
	assert.Equal(t, "r1", second.GetTrip().GetRouteId())
	assert.InDelta(t, 10.78, second.GetPosition().GetLatitude(), 1e-5)
	assert.InDelta(t, 106.69, second.GetPosition().GetLongitude(), 1e-4)
	assert.Equal(t, uint64(ts.Unix()), second.GetTimestamp())
}

func TestVehiclePositions_Empty(t *testing.T) {
	mem := db.NewMemoryStore()
	fm, err := NewVehiclePositions(mem, mem).Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fm.Entity)
	assert.NotNil(t, fm.Header)
}
