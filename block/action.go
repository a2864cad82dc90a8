package block

import (
	"fmt"

	"github.com/gardenledger/garden/jsonx"
	"github.com/google/uuid"
)

const (
	ActionPlantAt  = "plant_at"
	ActionRemoveAt = "remove_at"
	ActionGrow     = "grow"
	ActionNamePlot = "name_plot"
)

// Action is one garden mutation. Data holds the variant payload exactly as authored;
// variants this build does not know are carried through store and gossip untouched.
type Action struct {
	Type string           `json:"type"`
	Data jsonx.RawMessage `json:"data"`
}

type Position struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

type PlantAt struct {
	Position Position `json:"position"`
	Species  string   `json:"species"`
}

type RemoveAt struct {
	Position Position `json:"position"`
}

type Grow struct {
	Position Position `json:"position"`
	Delta    int32    `json:"delta"`
}

// NamePlot names the garden plot. ID is a uuid chosen by the author.
type NamePlot struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Opaque is the decoded form of an action whose type is not understood.
type Opaque struct {
	Type string
	Data []byte
}

func newAction(kind string, payload interface{}) Action {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		// payload types above always marshal
		panic(fmt.Sprintf("marshal %s action: %v", kind, err))
	}
	return Action{Type: kind, Data: data}
}

func NewPlantAt(pos Position, species string) Action {
	return newAction(ActionPlantAt, PlantAt{Position: pos, Species: species})
}

func NewRemoveAt(pos Position) Action {
	return newAction(ActionRemoveAt, RemoveAt{Position: pos})
}

func NewGrow(pos Position, delta int32) Action {
	return newAction(ActionGrow, Grow{Position: pos, Delta: delta})
}

func NewNamePlot(id, name string) Action {
	return newAction(ActionNamePlot, NamePlot{ID: id, Name: name})
}

// NewPlot names the garden under a fresh random plot ID.
func NewPlot(name string) Action {
	return NewNamePlot(uuid.NewString(), name)
}

// Known reports whether the action type has a decoder in this build.
func (a Action) Known() bool {
	switch a.Type {
	case ActionPlantAt, ActionRemoveAt, ActionGrow, ActionNamePlot:
		return true
	}
	return false
}

// Decode returns the typed payload: PlantAt, RemoveAt, Grow, NamePlot or Opaque.
func (a Action) Decode() (interface{}, error) {
	var (
		out interface{}
		err error
	)
	switch a.Type {
	case ActionPlantAt:
		var v PlantAt
		err = jsonx.Unmarshal(a.Data, &v)
		out = v
	case ActionRemoveAt:
		var v RemoveAt
		err = jsonx.Unmarshal(a.Data, &v)
		out = v
	case ActionGrow:
		var v Grow
		err = jsonx.Unmarshal(a.Data, &v)
		out = v
	case ActionNamePlot:
		var v NamePlot
		err = jsonx.Unmarshal(a.Data, &v)
		out = v
	default:
		return Opaque{Type: a.Type, Data: append([]byte(nil), a.Data...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s action: %w", a.Type, err)
	}
	return out, nil
}

// payload returns the bytes covered by the block digest. A missing payload and JSON
// null are the same action once it has crossed the wire.
func (a Action) payload() []byte {
	if len(a.Data) == 0 {
		return []byte("null")
	}
	return a.Data
}

func (a Action) clone() Action {
	return Action{Type: a.Type, Data: append(jsonx.RawMessage(nil), a.Data...)}
}
