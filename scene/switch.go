package scene

import (
	"slices"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/visitor"
)

// layout resolves an index; anything out of range means no layout.
func (c *Canvas) layout(index uint32) *Layout {
	if index == LayoutNone {
		return nil
	}
	if int64(index) >= int64(len(c.layouts)) {
		c.config.log.Warn("canvas: layout index out of range, using none",
			"canvas", c.name, "index", index, "layouts", len(c.layouts))
		return nil
	}
	return c.layouts[index]
}

// switchPlan collects the compounds a switch will flip before any flag is
// touched, so that a refused switch leaves no trace.
type switchPlan struct {
	activate   []*Channel
	deactivate []*Channel
	on, off    []*Compound
}

func (p *switchPlan) Visit(comp *Compound) (visitor.Result, error) {
	ch := comp.channel
	if ch == nil {
		return visitor.Continue, nil
	}
	// a compound with a destination channel covers its subtree
	switch {
	case slices.Contains(p.activate, ch):
		p.on = append(p.on, comp)
	case slices.Contains(p.deactivate, ch):
		p.off = append(p.off, comp)
	}
	return visitor.Prune, nil
}

/*
switchLayout moves the compounds of the canvas' segments from the old
layout to the new one.

The destination channels of the segments that belong to the new layout get
their compounds activated; those that belong to the old layout but not to
the new one get them deactivated, so a channel shared by both layouts stays
active throughout. Activation is applied before deactivation. The frame
finish flag is raised once if any compound changed.
*/
func (c *Canvas) switchLayout(oldIndex, newIndex uint32) error {
	if oldIndex == newIndex {
		return nil
	}
	oldLayout, newLayout := c.layout(oldIndex), c.layout(newIndex)
	cfg := c.config

	plan := switchPlan{}
	for _, s := range c.segments {
		for _, ch := range s.channels {
			if w := ch.Window(); w == nil || w.Config() != cfg {
				return fabric_errors.Violation("canvas %s: segment %s outputs to foreign channel %s",
					c.name, s.name, ch.name)
			}
			switch {
			case newLayout.Has(ch):
				if !slices.Contains(plan.activate, ch) {
					plan.activate = append(plan.activate, ch)
				}
			case oldLayout.Has(ch):
				if !slices.Contains(plan.deactivate, ch) {
					plan.deactivate = append(plan.deactivate, ch)
				}
			}
		}
	}
	if len(plan.activate) == 0 && len(plan.deactivate) == 0 {
		return nil
	}

	changed, err := c.applySwitch(&plan)
	if err != nil {
		return err
	}
	cfg.log.Debug("canvas: layout switched", "canvas", c.name,
		"from", oldIndex, "to", newIndex, "activated", len(plan.on),
		"deactivated", len(plan.off), "changed", changed)
	// outside the locks: the finish callback may edit the compound forest
	if changed > 0 {
		cfg.PostNeedsFinish()
	}
	return nil
}

// applySwitch plans over the compound forest and flips the matched
// compounds, activations first. It returns how many actually changed.
func (c *Canvas) applySwitch(plan *switchPlan) (changed int, err error) {
	cfg := c.config
	cfg.switchLock.Lock()
	defer cfg.switchLock.Unlock()
	cfg.lock.RLock()
	defer cfg.lock.RUnlock()
	if _, err = visitor.WalkForest[*Compound](cfg.compounds, compoundChildren, plan); err != nil {
		return 0, err
	}
	for _, comp := range plan.on {
		if comp.Activate() {
			changed++
		}
	}
	for _, comp := range plan.off {
		if comp.Deactivate() {
			changed++
		}
	}
	return changed, nil
}
