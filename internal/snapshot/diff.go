package snapshot

import "sort"

// Diff is the top-level key delta between a full base state and a newer one.
type Diff struct {
	Set     map[string]interface{} `msgpack:"set"`
	Deleted []string               `msgpack:"deleted"`
}

// ComputeDiff returns the changes that turn base into next.
func ComputeDiff(base, next State) *Diff {
	d := &Diff{Set: make(map[string]interface{})}
	for k, v := range next {
		if old, ok := base[k]; !ok || !equalValues(old, v) {
			d.Set[k] = v
		}
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			d.Deleted = append(d.Deleted, k)
		}
	}
	sort.Strings(d.Deleted)
	return d
}

// Apply returns a new state with the diff applied to base. base is not modified.
func (d *Diff) Apply(base State) State {
	out := make(State, len(base)+len(d.Set))
	for k, v := range base {
		out[k] = v
	}
	for _, k := range d.Deleted {
		delete(out, k)
	}
	for k, v := range d.Set {
		out[k] = v
	}
	return out
}

// Empty reports whether the diff changes nothing.
func (d *Diff) Empty() bool {
	return len(d.Set) == 0 && len(d.Deleted) == 0
}

// worthIt reports whether persisting the diff beats a full snapshot: its
// serialized size must be below ratio times the serialized base state.
func worthIt(d *Diff, base State, ratio float64) (bool, error) {
	diffSize, err := sizeOf(d)
	if err != nil {
		return false, err
	}
	baseSize, err := sizeOf(base)
	if err != nil {
		return false, err
	}
	return float64(diffSize) < ratio*float64(baseSize), nil
}
