// Package tabledata loads the static world tables the shard seeds its world
// from: NPC spawns, egg spawns, and slider routes. Tables are read once at
// startup and never written.
package tabledata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	npcTableFile    = "npcs.json"
	eggTableFile    = "eggs.json"
	sliderTableFile = "sliders.json"
)

// ErrTableMissing marks a table file that does not exist. Callers can treat a
// missing table as an empty one; any other load failure is fatal.
var ErrTableMissing = errors.New("table file missing")

// PathPoint is one waypoint of a patrol or transit route.
type PathPoint struct {
	X         int32 `json:"x"`
	Y         int32 `json:"y"`
	Z         int32 `json:"z"`
	Speed     int32 `json:"speed"`
	StopTicks int   `json:"stop_ticks"`
}

// NPCSpawn describes one NPC to place at startup.
type NPCSpawn struct {
	Type  int32 `json:"type"`
	X     int32 `json:"x"`
	Y     int32 `json:"y"`
	Z     int32 `json:"z"`
	Angle int32 `json:"angle"`
	Level int16 `json:"level"`
	MaxHP int32 `json:"max_hp"`

	// Path is the optional patrol route; Cycle makes it loop forever.
	Path  []PathPoint `json:"path,omitempty"`
	Cycle bool        `json:"cycle,omitempty"`
}

// EggSpawn describes one pickup and how long it stays gone when taken.
// RespawnSeconds of zero means it never comes back.
type EggSpawn struct {
	Type           int32 `json:"type"`
	X              int32 `json:"x"`
	Y              int32 `json:"y"`
	Z              int32 `json:"z"`
	RespawnSeconds int   `json:"respawn_seconds"`
}

// SliderRoute is one transit vehicle's looping route.
type SliderRoute struct {
	Angle  int32       `json:"angle"`
	Points []PathPoint `json:"points"`
}

// Tables is everything loaded from the table directory.
type Tables struct {
	NPCs    []NPCSpawn
	Eggs    []EggSpawn
	Sliders []SliderRoute
}

// Load reads all tables from dir. Missing table files load as empty tables;
// malformed ones fail the load.
func Load(dir string) (*Tables, error) {
	tables := &Tables{}

	if err := loadTable(dir, npcTableFile, &tables.NPCs); err != nil && !errors.Is(err, ErrTableMissing) {
		return nil, err
	}
	if err := loadTable(dir, eggTableFile, &tables.Eggs); err != nil && !errors.Is(err, ErrTableMissing) {
		return nil, err
	}
	if err := loadTable(dir, sliderTableFile, &tables.Sliders); err != nil && !errors.Is(err, ErrTableMissing) {
		return nil, err
	}

	for i, route := range tables.Sliders {
		if len(route.Points) < 2 {
			return nil, fmt.Errorf("%s: route %d needs at least two points", sliderTableFile, i)
		}
	}
	return tables, nil
}

func loadTable(dir, name string, out interface{}) error {
	path := filepath.Join(dir, name)
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrTableMissing)
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(contents, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
