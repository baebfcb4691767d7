package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeUpdater struct {
	geoCalls  int
	hsetCalls int
	geoFail   int
	hsetFail  int
	lastLoc   *redis.GeoLocation
	lastKey   string
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	f.lastKey = key
	f.lastLoc = loc
	if f.geoCalls <= f.geoFail {
		return errors.New("geoadd transient failure")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hsetCalls++
	if f.hsetCalls <= f.hsetFail {
		return errors.New("hset transient failure")
	}
	return nil
}

func testEvent() models.LocationEvent {
	return models.LocationEvent{
		DriverID:   "d1",
		Location:   models.Coord{Lon: -73.944158, Lat: 40.678178},
		ReportedAt: time.Now().UTC(),
	}
}

func TestUpdateRedisWithRetrySucceedsFirstTry(t *testing.T) {
	f := &fakeUpdater{}
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", testEvent(), 3, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.geoCalls != 1 || f.hsetCalls != 1 {
		t.Fatalf("calls = %d geo, %d hset", f.geoCalls, f.hsetCalls)
	}
	if f.lastKey != "drivers_geo" {
		t.Fatalf("geo key = %q", f.lastKey)
	}
	if f.lastLoc == nil || f.lastLoc.Name != "d1" || f.lastLoc.Longitude != -73.944158 {
		t.Fatalf("geo location = %+v", f.lastLoc)
	}
}

func TestUpdateRedisWithRetryRecoversFromTransientError(t *testing.T) {
	f := &fakeUpdater{geoFail: 2}
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", testEvent(), 3, time.Millisecond); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if f.geoCalls != 3 {
		t.Fatalf("geo attempts = %d, want 3", f.geoCalls)
	}
}

func TestUpdateRedisWithRetryGivesUp(t *testing.T) {
	f := &fakeUpdater{geoFail: 10}
	err := updateRedisWithRetry(context.Background(), f, "drivers_geo", testEvent(), 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if f.geoCalls != 3 {
		t.Fatalf("geo attempts = %d, want 3", f.geoCalls)
	}
}

func TestUpdateRedisWithRetryHSetFailure(t *testing.T) {
	f := &fakeUpdater{hsetFail: 10}
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", testEvent(), 2, time.Millisecond); err == nil {
		t.Fatal("expected error when metadata write keeps failing")
	}
}

func TestBrokersFromEnvDefault(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_BROKER", "")
	got := brokersFromEnv()
	if len(got) != 1 || got[0] != "localhost:9092" {
		t.Fatalf("brokers = %v", got)
	}

	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092 ,")
	got = brokersFromEnv()
	if len(got) != 2 || got[0] != "b1:9092" || got[1] != "b2:9092" {
		t.Fatalf("brokers = %v", got)
	}
}
