package lifecycle

import (
	"bytes"
	"fmt"
	"regexp"
)

// pcOffset matches the " +0x1a2b" program-counter offset runtime.Stack
// appends to most frames; it's only useful for disassembly, not for
// reading a panic log, so stripping it is the first and cheapest way
// to shrink a dump.
var pcOffset = regexp.MustCompile(`\s\+0x[0-9a-f]+`)

// condenseStack shrinks a runtime.Stack dump for logging: PC offsets
// are stripped, and goroutines sharing an identical stack body (common
// for idle pool workers all parked on the same blocking call) are
// collapsed into a single entry annotated with a repeat count.
func condenseStack(dump []byte) []byte {
	dump = pcOffset.ReplaceAll(dump, nil)

	blocks := bytes.Split(dump, []byte("\n\n"))
	type group struct {
		header string
		count  int
	}
	order := make([]string, 0, len(blocks))
	groups := make(map[string]*group, len(blocks))

	for _, block := range blocks {
		block = bytes.Trim(block, "\n")
		if len(block) == 0 {
			continue
		}
		lines := bytes.SplitN(block, []byte("\n"), 2)
		if len(lines) != 2 {
			continue
		}
		body := string(lines[1])
		g, ok := groups[body]
		if !ok {
			g = &group{header: string(lines[0])}
			groups[body] = g
			order = append(order, body)
		}
		g.count++
	}

	var out bytes.Buffer
	for _, body := range order {
		g := groups[body]
		if g.count > 1 {
			fmt.Fprintf(&out, "%s (x%d similar)\n%s\n\n", g.header, g.count, body)
			continue
		}
		fmt.Fprintf(&out, "%s\n%s\n\n", g.header, body)
	}
	return out.Bytes()
}
