package transform

import (
	"fmt"
	"strconv"
	"strings"
)

type segment struct {
	key   string
	index int
	isIdx bool
}

// path is a parsed dotted JSON path such as "$.data.items[0].price".
type path struct {
	raw  string
	segs []segment
}

func (p path) String() string {
	return p.raw
}

func parsePath(raw string) (path, error) {
	s := strings.TrimSpace(raw)
	p := path{raw: s}
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, ".")
	if s == "" {
		return p, nil
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return path{}, fmt.Errorf("empty segment in path %q", raw)
		}
		key := part
		var idx []int
		if open := strings.IndexByte(part, '['); open >= 0 {
			key = part[:open]
			rest := part[open:]
			for rest != "" {
				if rest[0] != '[' {
					return path{}, fmt.Errorf("malformed index in path %q", raw)
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return path{}, fmt.Errorf("unterminated index in path %q", raw)
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil || n < 0 {
					return path{}, fmt.Errorf("bad index %q in path %q", rest[1:end], raw)
				}
				idx = append(idx, n)
				rest = rest[end+1:]
			}
		}
		if key != "" {
			p.segs = append(p.segs, segment{key: key})
		}
		for _, n := range idx {
			p.segs = append(p.segs, segment{index: n, isIdx: true})
		}
	}
	return p, nil
}

func (p path) lookup(v any) (any, bool) {
	cur := v
	for _, seg := range p.segs {
		if seg.isIdx {
			list, ok := cur.([]any)
			if !ok || seg.index >= len(list) {
				return nil, false
			}
			cur = list[seg.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
