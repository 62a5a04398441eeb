package rules

import "context"

// acPattern binds one literal byte pattern to its global match slot.
type acPattern struct {
	pat  []byte
	slot int
}

// acNode is an internal automaton node.
type acNode struct {
	next map[byte]*acNode
	fail *acNode
	out  []int // match slot indices terminating at this node
}

// acAutomaton is an Aho-Corasick multi-pattern matcher built once over all
// atoms of all rules, so evaluation is a single linear pass per sample
// instead of a pass per rule. Concurrency-safe after construction.
type acAutomaton struct {
	root     *acNode
	patterns int
}

func buildAutomaton(entries []acPattern) *acAutomaton {
	root := &acNode{next: make(map[byte]*acNode)}
	count := 0
	for _, e := range entries {
		if len(e.pat) == 0 {
			continue
		}
		count++
		cur := root
		for _, b := range e.pat {
			nxt, ok := cur.next[b]
			if !ok {
				nxt = &acNode{next: make(map[byte]*acNode)}
				cur.next[b] = nxt
			}
			cur = nxt
		}
		cur.out = append(cur.out, e.slot)
	}

	// BFS failure links.
	queue := make([]*acNode, 0, len(root.next))
	for _, n := range root.next {
		n.fail = root
		queue = append(queue, n)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for b, nxt := range n.next {
			f := n.fail
			for f != nil && f.next[b] == nil {
				f = f.fail
			}
			if f == nil {
				nxt.fail = root
			} else {
				nxt.fail = f.next[b]
			}
			if len(nxt.fail.out) > 0 {
				nxt.out = append(nxt.out, nxt.fail.out...)
			}
			queue = append(queue, nxt)
		}
	}
	return &acAutomaton{root: root, patterns: count}
}

// scan walks data once and flips seen[slot] for every pattern that occurs at
// least once. Occurrence counts and offsets are not tracked; rule conditions
// only care about presence. The context is checked every checkEvery bytes so
// a sample-level cancel interrupts CPU-bound matching at bounded intervals.
// Returns early once every pattern of this automaton has been seen.
func (a *acAutomaton) scan(ctx context.Context, data []byte, seen []bool, checkEvery int) error {
	if a == nil || a.patterns == 0 {
		return nil
	}
	if checkEvery <= 0 {
		checkEvery = 1 << 20
	}
	remaining := a.patterns
	n := a.root
	for i, b := range data {
		if i > 0 && i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for n != nil && n.next[b] == nil {
			n = n.fail
		}
		if n == nil {
			n = a.root
			continue
		}
		n = n.next[b]
		for _, slot := range n.out {
			if !seen[slot] {
				seen[slot] = true
				remaining--
				if remaining == 0 {
					return nil
				}
			}
		}
	}
	return nil
}
