package engine

import (
	"fmt"
	"strings"

	"github.com/rendis/flowc/pkg/schema"
)

// An instance address names one task instance within a run: the step name
// followed by one index per enclosing foreach frame, outermost first.
// "process[2]" is the third foreach copy of process; a step outside any
// foreach is addressed by its bare name. Split frames never multiply
// instances, so they contribute no index.

// instanceAddr renders the address for a step at the given foreach coordinates.
func instanceAddr(step string, coords []int) string {
	if len(coords) == 0 {
		return step
	}
	var b strings.Builder
	b.WriteString(step)
	for _, i := range coords {
		fmt.Fprintf(&b, "[%d]", i)
	}
	return b.String()
}

// foreachDepth counts the foreach frames in a template's context, which is
// the length of its instances' coordinate vectors.
func foreachDepth(frames []schema.ContextFrame) int {
	n := 0
	for _, f := range frames {
		if f.Kind == "foreach" {
			n++
		}
	}
	return n
}

// widthKey identifies the foreach-source instance that materialized a
// fan-out width: the source step addressed at the outer coordinates.
func widthKey(source string, outerCoords []int) string {
	return instanceAddr(source, outerCoords)
}

// enumerateCoords expands a template's context into all live coordinate
// vectors, reading each foreach frame's width from the widths produced by
// the already-completed source instances. A width can be missing for two
// reasons: the source instance ended without materializing its iterable, in
// which case sourceDown reports true and the prefix is dropped (its would-be
// instances are descendants of that failure and never run), or the engine
// lost track of a fan-out, which is an error.
func enumerateCoords(frames []schema.ContextFrame, widths map[string]int, sourceDown func(addr string) bool) ([][]int, error) {
	coords := [][]int{{}}
	for _, frame := range frames {
		if frame.Kind != "foreach" {
			continue
		}
		var next [][]int
		for _, prefix := range coords {
			addr := widthKey(frame.Source, prefix)
			width, ok := widths[addr]
			if !ok {
				if sourceDown != nil && sourceDown(addr) {
					continue
				}
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"foreach %s produced no fan-out width at %s", frame.Source, addr)
			}
			for i := 0; i < width; i++ {
				expanded := make([]int, len(prefix)+1)
				copy(expanded, prefix)
				expanded[len(prefix)] = i
				next = append(next, expanded)
			}
		}
		coords = next
	}
	return coords, nil
}
