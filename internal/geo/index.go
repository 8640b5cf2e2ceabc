package geo

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"dispatch-service/internal/eligibility"
	"dispatch-service/internal/identity"
)

// Redis keys: the available-driver GEO set, the latest-position cache and the
// open-request GEO set. Availability and position are deliberately separate
// structures: the GEO set holds only matchable drivers, the hash keeps the
// last-write-wins position of every reporting driver.
const (
	driversGeoKey  = "dispatch:drivers:geo"
	driversPosKey  = "dispatch:drivers:pos"
	requestsGeoKey = "dispatch:requests:geo"
)

// positionScript applies a driver position sample if and only if it is newer
// than the stored one, and refreshes the GEO point only for drivers currently
// in the available set. Returns 1 when applied, 0 when discarded as stale.
var positionScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local ts = tonumber(string.match(cur, '^([^|]+)'))
  if ts and ts >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2] .. '|' .. ARGV[3] .. '|' .. ARGV[4])
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  redis.call('GEOADD', KEYS[2], ARGV[4], ARGV[3], ARGV[1])
end
return 1
`)

// DriverHit is a matchable driver with its distance from the query point.
type DriverHit struct {
	Driver     identity.DriverProfile `json:"driver"`
	DistanceKm float64                `json:"distance_km"`
}

// RequestHit is an open request id with its distance from the query point.
type RequestHit struct {
	RequestID  string  `json:"request_id"`
	DistanceKm float64 `json:"distance_km"`
}

// DriverCatalog hydrates driver profiles for candidate ids.
type DriverCatalog interface {
	DriversByIDs(ctx context.Context, ids []string) ([]identity.DriverProfile, error)
}

// Index is the Redis-backed geo index.
type Index struct {
	rdb     *goredis.Client
	catalog DriverCatalog
	now     func() time.Time
}

// NewIndex creates a geo index.
func NewIndex(rdb *goredis.Client, catalog DriverCatalog) *Index {
	return &Index{rdb: rdb, catalog: catalog, now: time.Now}
}

// UpdateDriverPosition records a position sample. Last write wins per driver,
// keyed on the sample timestamp: an update older than the stored one is
// discarded. Returns whether the sample was applied.
func (i *Index) UpdateDriverPosition(ctx context.Context, driverID string, p Point, ts time.Time) (bool, error) {
	res, err := positionScript.Run(ctx, i.rdb,
		[]string{driversPosKey, driversGeoKey},
		driverID, strconv.FormatInt(ts.UnixMilli(), 10),
		strconv.FormatFloat(p.Lat, 'f', -1, 64),
		strconv.FormatFloat(p.Lng, 'f', -1, 64),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Activate puts a driver into the available set at the best known position:
// the cached latest sample when present, otherwise the given fallback. With
// neither, the driver stays out of the set until the first position update.
func (i *Index) Activate(ctx context.Context, driverID string, lat, lng *float64) error {
	p, ok, err := i.CachedPosition(ctx, driverID)
	if err != nil {
		return err
	}
	if !ok {
		if lat == nil || lng == nil {
			return nil
		}
		p = Point{Lat: *lat, Lng: *lng}
	}
	return i.rdb.GeoAdd(ctx, driversGeoKey, &goredis.GeoLocation{
		Name:      driverID,
		Latitude:  p.Lat,
		Longitude: p.Lng,
	}).Err()
}

// Deactivate removes a driver from the available set. The position cache is
// kept so out-of-order samples are still detected afterwards.
func (i *Index) Deactivate(ctx context.Context, driverID string) error {
	return i.rdb.ZRem(ctx, driversGeoKey, driverID).Err()
}

// CachedPosition returns the latest recorded position of a driver.
func (i *Index) CachedPosition(ctx context.Context, driverID string) (Point, bool, error) {
	raw, err := i.rdb.HGet(ctx, driversPosKey, driverID).Result()
	if err == goredis.Nil {
		return Point{}, false, nil
	}
	if err != nil {
		return Point{}, false, err
	}
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return Point{}, false, nil
	}
	lat, err1 := strconv.ParseFloat(parts[1], 64)
	lng, err2 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil {
		return Point{}, false, nil
	}
	return Point{Lat: lat, Lng: lng}, true, nil
}

// NearbyDrivers returns dispatch-eligible drivers within radiusKm of p,
// ascending by distance, ties broken by highest rating then driver id.
// An empty result is the legitimate "no match" outcome, not an error.
func (i *Index) NearbyDrivers(ctx context.Context, p Point, radiusKm float64, limit int) ([]DriverHit, error) {
	locs, err := i.search(ctx, driversGeoKey, p, radiusKm)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(locs))
	dist := make(map[string]float64, len(locs))
	for _, l := range locs {
		ids = append(ids, l.Name)
		dist[l.Name] = l.Dist
	}

	profiles, err := i.catalog.DriversByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := i.now()
	hits := make([]DriverHit, 0, len(profiles))
	for _, dp := range profiles {
		if !eligibility.DriverEligible(&dp, now) {
			continue
		}
		hits = append(hits, DriverHit{Driver: dp, DistanceKm: dist[dp.UserID]})
	}

	rankDriverHits(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// NearbyRequests returns open request ids within radiusKm of p, ascending by
// distance, ties broken by id. Expiry filtering happens at hydration time in
// the request ledger.
func (i *Index) NearbyRequests(ctx context.Context, p Point, radiusKm float64, limit int) ([]RequestHit, error) {
	locs, err := i.search(ctx, requestsGeoKey, p, radiusKm)
	if err != nil {
		return nil, err
	}

	hits := make([]RequestHit, 0, len(locs))
	for _, l := range locs {
		hits = append(hits, RequestHit{RequestID: l.Name, DistanceKm: l.Dist})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].DistanceKm != hits[b].DistanceKm {
			return hits[a].DistanceKm < hits[b].DistanceKm
		}
		return hits[a].RequestID < hits[b].RequestID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// AddRequest registers an open request's pickup point.
func (i *Index) AddRequest(ctx context.Context, requestID string, pickup Point) error {
	return i.rdb.GeoAdd(ctx, requestsGeoKey, &goredis.GeoLocation{
		Name:      requestID,
		Latitude:  pickup.Lat,
		Longitude: pickup.Lng,
	}).Err()
}

// RemoveRequest drops a claimed or expired request from the index.
func (i *Index) RemoveRequest(ctx context.Context, requestID string) error {
	return i.rdb.ZRem(ctx, requestsGeoKey, requestID).Err()
}

func (i *Index) search(ctx context.Context, key string, p Point, radiusKm float64) ([]goredis.GeoLocation, error) {
	return i.rdb.GeoSearchLocation(ctx, key, &goredis.GeoSearchLocationQuery{
		GeoSearchQuery: goredis.GeoSearchQuery{
			Latitude:   p.Lat,
			Longitude:  p.Lng,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
}

// rankDriverHits orders hits ascending by distance; ties go to the higher
// rated driver, then the lexically smaller id for determinism.
func rankDriverHits(hits []DriverHit) {
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].DistanceKm != hits[b].DistanceKm {
			return hits[a].DistanceKm < hits[b].DistanceKm
		}
		if hits[a].Driver.RatingAverage != hits[b].Driver.RatingAverage {
			return hits[a].Driver.RatingAverage > hits[b].Driver.RatingAverage
		}
		return hits[a].Driver.UserID < hits[b].Driver.UserID
	})
}
