package cell

import (
	"github.com/danmuck/cellmesh/internal/ghost"
	"github.com/danmuck/cellmesh/internal/witness"
)

// Region is the part of the world a cell is authoritative for: a ball (or
// spherical cap) around Center.
type Region struct {
	Center witness.Vec3
	Radius float64
}

// RegionPolicy onloads ghosts that have moved inside the cell's region and
// deletes ghosts further than GhostDistance outside it. Ghosts whose
// position is unknown are kept.
func (c *Cell) RegionPolicy(r Region) ghost.OffloadPolicy {
	return ghost.PolicyFunc(func(s ghost.Status) ghost.Decision {
		pos, ok := c.scheduler.EntityPosition(s.Entity)
		if !ok {
			return ghost.Keep
		}
		d := witness.Distance(c.cfg, r.Center, pos)
		switch {
		case d <= r.Radius:
			return ghost.Onload
		case d > r.Radius+c.cfg.GhostDistance:
			return ghost.Delete
		}
		return ghost.Keep
	})
}

// SetOffloadPolicy replaces the policy consulted by the ghost check.
func (c *Cell) SetOffloadPolicy(p ghost.OffloadPolicy) {
	c.policy = p
}
