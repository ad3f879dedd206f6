package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/nearby-dispatch/internal/models"
)

// RedisGeo implements Geo on redis GEO commands: the coordinate lives in a
// geo set, per-provider metadata in a hash whose TTL makes stale presence
// self-expire.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.Presence, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.ProviderID})
	pipe.HSet(ctx, metaKey(p.ProviderID), map[string]interface{}{
		"accuracy": p.Accuracy,
		"source":   p.Source,
		"started":  p.StartedAt.UTC().Format(time.RFC3339Nano),
		"updated":  p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if ttl > 0 {
		pipe.Expire(ctx, metaKey(p.ProviderID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// do not leave a coordinate without metadata behind
		_ = r.Remove(ctx, p.ProviderID)
		return fmt.Errorf("geo upsert %s: %w", p.ProviderID, err)
	}
	return nil
}

func (r *RedisGeo) Get(ctx context.Context, providerID string) (models.Presence, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(providerID)).Result()
	if err != nil {
		return models.Presence{}, false, fmt.Errorf("geo get %s: %w", providerID, err)
	}
	if len(m) == 0 {
		return models.Presence{}, false, nil
	}
	p := models.Presence{ProviderID: providerID, Source: m["source"]}
	if v, ok := m["accuracy"]; ok {
		p.Accuracy, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["started"]; ok {
		p.StartedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := m["updated"]; ok {
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	pos, err := r.client.GeoPos(ctx, r.key, providerID).Result()
	if err != nil {
		return models.Presence{}, false, fmt.Errorf("geo pos %s: %w", providerID, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		// metadata without coordinate counts as absent
		return models.Presence{}, false, nil
	}
	p.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	return p, true, nil
}

func (r *RedisGeo) Remove(ctx context.Context, providerID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, providerID)
	pipe.Del(ctx, metaKey(providerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geo remove %s: %w", providerID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, loc models.Coord, radiusM float64, limit int) ([]models.Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  loc.Lon,
			Latitude:   loc.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, models.Candidate{
			ProviderID: g.Name,
			DistanceM:  g.Dist,
			Loc:        models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		})
	}
	return out, nil
}

// Distance pairs the two points under a throwaway key and asks GEODIST,
// falling back to Haversine when the round-trip fails.
func (r *RedisGeo) Distance(ctx context.Context, a, b models.Coord) (float64, error) {
	tmp := fmt.Sprintf("tmp:dist:%d", time.Now().UnixNano())
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, tmp,
		&redis.GeoLocation{Longitude: a.Lon, Latitude: a.Lat, Name: "a"},
		&redis.GeoLocation{Longitude: b.Lon, Latitude: b.Lat, Name: "b"})
	dist := pipe.GeoDist(ctx, tmp, "a", "b", "m")
	pipe.Del(ctx, tmp)
	if _, err := pipe.Exec(ctx); err != nil {
		return Haversine(a, b), nil
	}
	return dist.Val(), nil
}

func metaKey(id string) string { return "provider:meta:" + id }
