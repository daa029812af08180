// Package world holds the entity model, the chunk-based spatial index, and
// the shard's aggregate state. Everything here is owned by the shard event
// loop; nothing is safe for concurrent use.
package world

import (
	"math"

	"github.com/hfrick/nexus/internal/core"
)

// Position is a point in world space.
type Position struct {
	X int32
	Y int32
	Z int32
}

// DistanceTo returns the Euclidean distance between two positions, truncated
// to whole world units.
func (p Position) DistanceTo(o Position) uint32 {
	dx := float64(p.X - o.X)
	dy := float64(p.Y - o.Y)
	dz := float64(p.Z - o.Z)
	return uint32(math.Sqrt(dx*dx + dy*dy + dz*dz))
}

// Interpolate moves from p toward target by at most dist units. The second
// return is true when the target was reached (the result snaps onto it).
func (p Position) Interpolate(target Position, dist float64) (Position, bool) {
	total := float64(p.DistanceTo(target))
	if total <= dist {
		return target, true
	}
	frac := dist / total
	return Position{
		X: p.X + int32(float64(target.X-p.X)*frac),
		Y: p.Y + int32(float64(target.Y-p.Y)*frac),
		Z: p.Z + int32(float64(target.Z-p.Z)*frac),
	}, false
}

// ChunkCoords identifies one spatial chunk.
type ChunkCoords struct {
	X int32
	Y int32
}

// ChunkCoordsOf maps a position to its chunk with floor division, so
// coordinates on either side of zero land in distinct chunks.
func ChunkCoordsOf(pos Position) ChunkCoords {
	return ChunkCoords{
		X: floorDiv(pos.X, core.ChunkSize),
		Y: floorDiv(pos.Y, core.ChunkSize),
	}
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
