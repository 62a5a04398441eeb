package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Conditions compile into a small tagged tree of quantifier nodes evaluated
// against the atom match set. Supported forms:
//
//	a and (b or c)
//	all of them
//	any of (a, b, c)
//	2 of them
//	3 of (a, b, c, d)
type nodeKind int

const (
	nodeAtom nodeKind = iota
	nodeAllOf
	nodeAnyOf
	nodeNOf
)

type condNode struct {
	kind nodeKind
	atom int // local atom index, nodeAtom only
	n    int // threshold, nodeNOf only
	kids []*condNode
}

// eval is deterministic and side-effect-free given the atom match booleans.
func (c *condNode) eval(matched []bool) bool {
	switch c.kind {
	case nodeAtom:
		return matched[c.atom]
	case nodeAllOf:
		for _, k := range c.kids {
			if !k.eval(matched) {
				return false
			}
		}
		return true
	case nodeAnyOf:
		for _, k := range c.kids {
			if k.eval(matched) {
				return true
			}
		}
		return false
	case nodeNOf:
		count := 0
		for _, k := range c.kids {
			if k.eval(matched) {
				count++
				if count >= c.n {
					return true
				}
			}
		}
		return false
	}
	return false
}

type condParser struct {
	toks  []string
	pos   int
	atoms map[string]int // atom ID → local index
}

// parseCondition compiles a condition string into a node tree. Unknown atom
// references and malformed syntax are compile errors local to the rule.
func parseCondition(cond string, atoms map[string]int) (*condNode, error) {
	toks, err := tokenize(cond)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	p := &condParser{toks: toks, atoms: atoms}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected token %q", p.toks[p.pos])
	}
	return node, nil
}

func tokenize(s string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '(' || c == ')' || c == ',':
			toks = append(toks, string(c))
			i++
		case c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)):
			j := i
			for j < len(s) && (s[j] == '_' || unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return toks, nil
}

func (p *condParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	t := p.peek()
	if t != "" {
		p.pos++
	}
	return t
}

func (p *condParser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func (p *condParser) parseOr() (*condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	kids := []*condNode{left}
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		kids = append(kids, right)
	}
	if len(kids) == 1 {
		return left, nil
	}
	return &condNode{kind: nodeAnyOf, kids: kids}, nil
}

func (p *condParser) parseAnd() (*condNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	kids := []*condNode{left}
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		kids = append(kids, right)
	}
	if len(kids) == 1 {
		return left, nil
	}
	return &condNode{kind: nodeAllOf, kids: kids}, nil
}

func (p *condParser) parsePrimary() (*condNode, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of condition")
	case tok == "(":
		p.next()
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return node, nil
	case strings.EqualFold(tok, "all"), strings.EqualFold(tok, "any"):
		return p.parseQuantifier()
	default:
		if n, err := strconv.Atoi(tok); err == nil {
			if n < 1 {
				return nil, fmt.Errorf("quantifier threshold must be positive, got %d", n)
			}
			return p.parseQuantifier()
		}
		// Plain atom reference.
		p.next()
		idx, ok := p.atoms[tok]
		if !ok {
			return nil, fmt.Errorf("unknown atom %q", tok)
		}
		return &condNode{kind: nodeAtom, atom: idx}, nil
	}
}

// parseQuantifier handles "all of ...", "any of ..." and "N of ...".
func (p *condParser) parseQuantifier() (*condNode, error) {
	head := p.next()
	if err := p.expect("of"); err != nil {
		return nil, err
	}

	var kids []*condNode
	if strings.EqualFold(p.peek(), "them") {
		p.next()
		kids = make([]*condNode, len(p.atoms))
		for _, idx := range p.atoms {
			kids[idx] = &condNode{kind: nodeAtom, atom: idx}
		}
	} else {
		if err := p.expect("("); err != nil {
			return nil, err
		}
		for {
			name := p.next()
			idx, ok := p.atoms[name]
			if !ok {
				return nil, fmt.Errorf("unknown atom %q", name)
			}
			kids = append(kids, &condNode{kind: nodeAtom, atom: idx})
			sep := p.next()
			if sep == ")" {
				break
			}
			if sep != "," {
				return nil, fmt.Errorf("expected \",\" or \")\", got %q", sep)
			}
		}
	}
	if len(kids) == 0 {
		return nil, fmt.Errorf("quantifier over empty atom set")
	}

	switch {
	case strings.EqualFold(head, "all"):
		return &condNode{kind: nodeAllOf, kids: kids}, nil
	case strings.EqualFold(head, "any"):
		return &condNode{kind: nodeAnyOf, kids: kids}, nil
	default:
		n, _ := strconv.Atoi(head)
		if n > len(kids) {
			return nil, fmt.Errorf("quantifier %d of %d atoms can never match", n, len(kids))
		}
		return &condNode{kind: nodeNOf, n: n, kids: kids}, nil
	}
}
