// Package common provides the types shared by the capture and sink stages.
package common

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is a binlog coordinate. The zero value means unknown.
type Position struct {
	Name   string
	Offset uint64
}

func (p Position) IsZero() bool {
	return p.Name == "" && p.Offset == 0
}

func (p Position) String() string {
	if p.IsZero() {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", p.Name, p.Offset)
}

// Compare orders positions by log name, then offset. Log names are compared
// by their numeric extension first so mysql-bin.000010 follows mysql-bin.000009
// even when the extension widths differ.
func (p Position) Compare(o Position) int {
	if c := compareNames(p.Name, o.Name); c != 0 {
		return c
	}
	switch {
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

// Max returns the later of p and o
func (p Position) Max(o Position) Position {
	if p.Compare(o) >= 0 {
		return p
	}
	return o
}

func compareNames(a, b string) int {
	if a == b {
		return 0
	}
	na, okA := extension(a)
	nb, okB := extension(b)
	if okA && okB && na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func extension(name string) (uint64, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return 0, false
	}
	n, err := strconv.ParseUint(name[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
