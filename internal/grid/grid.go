// Package grid implements the Web-Mercator tile pyramid math used
// throughout tileflow: tile identifiers, per-zoom resolutions, projected
// tile centers, and the bounding-box to tile-range expansion the planner
// walks when seeding an area.
//
// The pyramid follows the usual XYZ convention: 256px tiles, origin at the
// top-left of the projected extent, X growing east and Y growing south.
// All projected coordinates are in meters (EPSG:3857).
package grid

import (
	"fmt"
	"math"
)

const (
	// TileSize is the pixel edge length of every tile in the pyramid.
	TileSize = 256

	// MaxZoom is the deepest zoom level tileflow will address. Public tile
	// servers top out around 19-22; 24 leaves headroom without letting a
	// typo in a job request expand into trillions of tiles.
	MaxZoom = 24

	// earthRadius is the WGS84 semi-major axis in meters.
	earthRadius = 6378137.0

	// maxLatitude is the latitude bound of the square Web-Mercator extent.
	maxLatitude = 85.05112878
)

// halfExtent is half the projected world width in meters.
var halfExtent = math.Pi * earthRadius

// ─── Tile identifiers ─────────────────────────────────────────────────────────

// TileID addresses a single tile in the pyramid.
type TileID struct {
	Z uint32 // zoom level, 0 = whole world in one tile
	X uint32 // column, 0 at the west edge
	Y uint32 // row, 0 at the north edge
}

// Valid reports whether the coordinate actually exists at its zoom level.
func (id TileID) Valid() bool {
	return id.Z <= MaxZoom && id.X>>id.Z == 0 && id.Y>>id.Z == 0
}

// String renders the tile as "z/x/y".
func (id TileID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Z, id.X, id.Y)
}

// Key derives the identity key a tile is deduplicated and cached under.
// Two requests for the same source and coordinate always collide here.
func Key(sourceID string, id TileID) string {
	return sourceID + "/" + id.String()
}

// ─── Projected coordinates ────────────────────────────────────────────────────

// Point is a position in projected meters.
type Point struct {
	X float64
	Y float64
}

// Dist returns the Euclidean distance between two projected points.
func Dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Resolution returns the size of one pixel in projected meters at zoom z.
// Zoom 0 is one tile for the whole extent (~156543 m/px); each level halves it.
func Resolution(z uint32) float64 {
	return 2 * halfExtent / TileSize / float64(uint64(1)<<z)
}

// Center returns the projected center of a tile.
func Center(id TileID) Point {
	span := Resolution(id.Z) * TileSize
	return Point{
		X: -halfExtent + (float64(id.X)+0.5)*span,
		Y: halfExtent - (float64(id.Y)+0.5)*span,
	}
}

// Project converts a lon/lat pair (degrees) to projected meters.
// Latitudes beyond the Mercator bound are clamped to it.
func Project(lon, lat float64) Point {
	lat = clamp(lat, -maxLatitude, maxLatitude)
	latRad := lat * math.Pi / 180
	return Point{
		X: earthRadius * lon * math.Pi / 180,
		Y: earthRadius * math.Log(math.Tan(math.Pi/4+latRad/2)),
	}
}

// TileAt returns the tile containing the given lon/lat at zoom z.
// Inputs outside the valid extent are clamped onto it, so the result is
// always a valid tile.
func TileAt(lon, lat float64, z uint32) TileID {
	n := float64(uint64(1) << z)
	lat = clamp(lat, -maxLatitude, maxLatitude)
	latRad := lat * math.Pi / 180

	x := (lon + 180) / 360 * n
	y := (1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * n

	max := uint32(uint64(1)<<z - 1)
	return TileID{
		Z: z,
		X: clampIndex(x, max),
		Y: clampIndex(y, max),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func clampIndex(v float64, max uint32) uint32 {
	if v < 0 {
		return 0
	}
	i := uint32(v)
	if i > max {
		return max
	}
	return i
}

// ─── Bounding boxes and ranges ────────────────────────────────────────────────

// BBox is a geographic bounding box in lon/lat degrees. It crosses the
// API boundary inside job specs, hence the JSON tags.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Valid reports whether the box is well formed and inside the usable extent.
func (b BBox) Valid() bool {
	if b.MinLon > b.MaxLon || b.MinLat > b.MaxLat {
		return false
	}
	if b.MinLon < -180 || b.MaxLon > 180 {
		return false
	}
	return b.MinLat >= -90 && b.MaxLat <= 90
}

// Center returns the projected center of the box. The planner uses it as
// the focus point tile distances are measured from.
func (b BBox) Center() Point {
	return Project((b.MinLon+b.MaxLon)/2, (b.MinLat+b.MaxLat)/2)
}

// TileRange is the inclusive set of tiles covering some box at one zoom.
type TileRange struct {
	Z    uint32
	MinX uint32
	MinY uint32
	MaxX uint32
	MaxY uint32
}

// Range expands a bounding box to its covering tile range at zoom z.
// Remember that tile rows grow southward, so the north edge of the box
// yields the smallest Y.
func Range(b BBox, z uint32) TileRange {
	nw := TileAt(b.MinLon, b.MaxLat, z)
	se := TileAt(b.MaxLon, b.MinLat, z)
	return TileRange{
		Z:    z,
		MinX: nw.X,
		MinY: nw.Y,
		MaxX: se.X,
		MaxY: se.Y,
	}
}

// Count returns the number of tiles in the range.
func (r TileRange) Count() int64 {
	return int64(r.MaxX-r.MinX+1) * int64(r.MaxY-r.MinY+1)
}
