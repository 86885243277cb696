// Package filter drops rows by the value of a single projected column.
package filter

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/replicatord/replicatord/column"
)

// Predicate passes a row when its column value is in values, XOR negate
type Predicate struct {
	column int
	values []int64
	negate bool
}

// New creates a predicate over the projected column index
func New(columnIndex int, values []int64, negate bool) *Predicate {
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Predicate{column: columnIndex, values: sorted, negate: negate}
}

func (p *Predicate) Column() int  { return p.column }
func (p *Predicate) Negate() bool { return p.negate }

// Pass evaluates the predicate. Values that cannot be read as an integer
// evaluate to negate.
func (p *Predicate) Pass(row column.Row) bool {
	if p.column < 0 || p.column >= len(row) {
		return p.negate
	}
	v, ok := coerce(row[p.column])
	if !ok {
		return p.negate
	}
	i := sort.Search(len(p.values), func(i int) bool { return p.values[i] >= v })
	found := i < len(p.values) && p.values[i] == v
	return found != p.negate
}

func coerce(v column.Value) (int64, bool) {
	switch k := v.Kind(); {
	case k.IsSigned(), k.IsUnsigned():
		return v.Int64()
	case k == column.KindFloat32, k == column.KindFloat64, k == column.KindDecimal:
		f, _ := v.Float64()
		if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	case k == column.KindBytes:
		b, _ := v.Bytes()
		i, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

type tableKey struct {
	database string
	table    string
}

// Registry holds at most one predicate per table
type Registry struct {
	mu         sync.RWMutex
	predicates map[tableKey]*Predicate
}

func NewRegistry() *Registry {
	return &Registry{predicates: make(map[tableKey]*Predicate)}
}

// Register installs p for the table, replacing any earlier predicate
func (r *Registry) Register(database, table string, p *Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[tableKey{database, table}] = p
}

func (r *Registry) Lookup(database, table string) (*Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[tableKey{database, table}]
	return p, ok
}

// Pass reports whether the row survives the table's predicate. Tables
// without one always pass.
func (r *Registry) Pass(database, table string, row column.Row) bool {
	p, ok := r.Lookup(database, table)
	if !ok || p == nil {
		return true
	}
	return p.Pass(row)
}
