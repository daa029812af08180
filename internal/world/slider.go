package world

import (
	"time"

	"github.com/hfrick/nexus/internal/protocol"
	"github.com/hfrick/nexus/internal/server"
)

// Slider is a transit vehicle riding a fixed looping route.
type Slider struct {
	Num int32

	position Position
	rotation int32
	path     *Path
}

func NewSlider(num int32, pos Position, angle int32, path *Path) *Slider {
	if path != nil {
		path.Start()
	}
	return &Slider{
		Num:      num,
		position: pos,
		rotation: angle % 360,
		path:     path,
	}
}

func (s *Slider) ID() EntityID {
	return SliderID(s.Num)
}

func (s *Slider) Client(*server.ClientMap) *server.Client { return nil }

func (s *Slider) Position() Position { return s.position }
func (s *Slider) Rotation() int32    { return s.rotation }

func (s *Slider) Speed() int32 {
	if s.path != nil {
		return s.path.Speed()
	}
	return 0
}

func (s *Slider) ChunkCoords() ChunkCoords {
	return ChunkCoordsOf(s.position)
}

func (s *Slider) SetPosition(pos Position) { s.position = pos }
func (s *Slider) SetRotation(angle int32)  { s.rotation = ((angle % 360) + 360) % 360 }

func (s *Slider) SendEnter(clients *server.ClientMap, to *server.Client) {
	clients.Send(to, protocol.SliderEnterViewType, &protocol.SliderEnterView{
		SliderID: s.Num,
		X:        s.position.X,
		Y:        s.position.Y,
		Z:        s.position.Z,
		Angle:    s.rotation,
		Speed:    s.Speed(),
	})
}

func (s *Slider) SendExit(clients *server.ClientMap, to *server.Client) {
	clients.Send(to, protocol.SliderExitViewType, &protocol.SliderExitView{SliderID: s.Num})
}

func (s *Slider) Tick(now time.Time, clients *server.ClientMap, state *ShardState) {
	if s.path == nil {
		return
	}
	speed := s.path.Speed()
	s.path.Tick(&s.position)

	coords := s.ChunkCoords()
	state.EntityMap.Update(s.ID(), &coords, clients)

	pkt := &protocol.SliderMove{
		SliderID: s.Num,
		ToX:      s.position.X,
		ToY:      s.position.Y,
		ToZ:      s.position.Z,
		Speed:    speed,
	}
	state.EntityMap.ForEachAround(s.ID(), clients, func(c *server.Client) {
		clients.Send(c, protocol.SliderMoveType, pkt)
	})
}

func (s *Slider) Cleanup(clients *server.ClientMap, state *ShardState) {}
