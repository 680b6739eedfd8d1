package main

import (
	"fmt"
	"math"

	"github.com/danmuck/cellmesh/internal/cell"
	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/property"
	"github.com/danmuck/cellmesh/internal/witness"
)

const wandererType uint16 = 1

func wanderer() *property.EntityType {
	return property.MustEntityType(wandererType, "Wanderer",
		property.Field{Name: "health", Type: property.ScalarOf(property.TypeInt32), Flags: property.FlagAll},
		property.Field{Name: "heading", Type: property.ScalarOf(property.TypeFloat32), Flags: property.FlagClientVisible},
		property.Field{Name: "waypoints", Type: property.VariableSequence(property.ScalarOf(property.TypeString)), Flags: property.FlagGhosted},
	)
}

func demoRegistry() (*property.Registry, error) {
	reg := property.NewRegistry()
	if err := reg.Register(wanderer()); err != nil {
		return nil, err
	}
	return reg, nil
}

// world drives a ring of wanderers around the region center so that the
// scheduler, the ghost stream and the region policy all see traffic.
type world struct {
	center witness.Vec3
	radius float64
	ids    []delta.EntityID
	step   uint64
}

func newWorld(center witness.Vec3, radius float64, n int) *world {
	w := &world{center: center, radius: radius}
	for i := 0; i < n; i++ {
		w.ids = append(w.ids, delta.EntityID(i+1))
	}
	return w
}

func (w *world) position(i int) witness.Vec3 {
	angle := 2*math.Pi*float64(i)/float64(len(w.ids)) + float64(w.step)/50
	r := w.radius * (0.5 + 0.25*math.Sin(float64(w.step)/20+float64(i)))
	return witness.Vec3{
		X: w.center.X + r*math.Cos(angle),
		Y: w.center.Y,
		Z: w.center.Z + r*math.Sin(angle),
	}
}

func (w *world) spawn(c *cell.Cell) error {
	for i, id := range w.ids {
		if err := c.Spawn(id, wandererType, nil, w.position(i)); err != nil {
			return fmt.Errorf("spawn wanderer %d: %w", id, err)
		}
	}
	return nil
}

// advance moves every wanderer and touches its properties. It runs on the
// tick goroutine through cell.Do.
func (w *world) advance(c *cell.Cell) error {
	w.step++
	for i, id := range w.ids {
		pos := w.position(i)
		if err := c.Move(id, pos); err != nil {
			return err
		}
		heading := math.Atan2(pos.Z-w.center.Z, pos.X-w.center.X)
		_, err := c.Mutate(id, func(m *delta.Mutator) error {
			if err := m.Set([]int{1}, property.Float(heading)); err != nil {
				return err
			}
			if w.step%10 == uint64(i)%10 {
				hp := int64(100 - (w.step/10)%100)
				if err := m.Set([]int{0}, property.Int(hp)); err != nil {
					return err
				}
				// keep the last three waypoints
				wps := m.State().Fields[2].(*property.SequenceValue)
				n := len(wps.Items)
				if n >= 3 {
					if err := m.SetSlice([]int{2}, 0, 1); err != nil {
						return err
					}
					n--
				}
				return m.SetSlice([]int{2}, n, n, property.Str(fmt.Sprintf("wp-%d", w.step)))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("wanderer %d: %w", id, err)
		}
	}
	return nil
}
