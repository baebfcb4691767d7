package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo mirrors driver positions into a Redis GEO key. The mirror is
// advisory (ops tooling, nearby debug endpoint); matching always runs on
// the in-memory store.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: loc.Lon,
		Latitude:  loc.Lat,
		Name:      driverID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	return r.client.ZRem(ctx, r.key, driverID).Err()
}

// Nearby returns up to limit driver ids within radiusMeters, closest first.
func (r *RedisGeo) Nearby(ctx context.Context, loc models.Coord, radiusMeters float64, limit int) ([]string, error) {
	res, err := r.client.GeoRadius(ctx, r.key, loc.Lon, loc.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters,
		Unit:   "m",
		Count:  limit,
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, g.Name)
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
