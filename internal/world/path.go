package world

// PathPoint is one waypoint: a target position, the travel speed from the
// previous point, and how many ticks to hold there on arrival.
type PathPoint struct {
	Pos       Position
	Speed     int32
	StopTicks int
}

type pathState int

const (
	pathPending pathState = iota
	pathMoving
	pathWaiting
	pathDone
)

// Path moves an entity through a sequence of waypoints, optionally cycling
// forever. Ticked once per scheduling pass at a fixed tick rate.
type Path struct {
	points         []PathPoint
	cycle          bool
	idx            int
	state          pathState
	waitTicksLeft  int
	ticksPerSecond int
}

func NewPath(points []PathPoint, cycle bool, ticksPerSecond int) *Path {
	return &Path{points: points, cycle: cycle, ticksPerSecond: ticksPerSecond}
}

// NewSinglePath is a one-waypoint path, used for follow behavior.
func NewSinglePath(target Position, speed int32, ticksPerSecond int) *Path {
	return NewPath([]PathPoint{{Pos: target, Speed: speed}}, false, ticksPerSecond)
}

// Start releases a pending path into motion.
func (p *Path) Start() {
	if p.state == pathPending {
		p.state = pathMoving
	}
}

func (p *Path) Speed() int32 {
	if p.state == pathMoving {
		return p.points[p.idx].Speed
	}
	return 0
}

func (p *Path) TargetPos() Position {
	return p.points[p.idx].Pos
}

func (p *Path) Done() bool {
	return p.state == pathDone
}

func (p *Path) advance() {
	p.idx++
	if p.idx == len(p.points) {
		if p.cycle {
			p.idx = 0
		} else {
			p.idx--
			p.state = pathDone
		}
	}
}

// Tick advances pos along the path by one tick's worth of travel. Returns
// true when a waypoint was reached this tick, which is when movement packets
// are worth broadcasting.
func (p *Path) Tick(pos *Position) bool {
	switch p.state {
	case pathPending:
		p.state = pathMoving
	case pathMoving:
		point := p.points[p.idx]
		dist := float64(point.Speed) / float64(p.ticksPerSecond)
		newPos, reached := pos.Interpolate(point.Pos, dist)
		*pos = newPos
		if reached {
			if point.StopTicks > 0 {
				p.state = pathWaiting
				p.waitTicksLeft = point.StopTicks
			} else {
				p.advance()
				return true
			}
		}
	case pathWaiting:
		p.waitTicksLeft--
		if p.waitTicksLeft <= 0 {
			p.state = pathMoving
			p.advance()
		}
	case pathDone:
	}
	return false
}
