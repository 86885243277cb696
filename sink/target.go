package sink

import (
	"fmt"

	"github.com/replicatord/replicatord/common"
	"github.com/replicatord/replicatord/filter"
)

// Target maps a source table onto a space. Tuple and Keys index into the
// projected row.
type Target struct {
	Database   string
	Table      string // may be a glob
	Space      uint32
	Tuple      []int
	Keys       []int
	InsertCall string
	UpdateCall string
	DeleteCall string
}

// call returns the procedure override for op, if any
func (t *Target) call(op common.Operation) string {
	switch op {
	case common.OpInsert:
		return t.InsertCall
	case common.OpUpdate:
		return t.UpdateCall
	case common.OpDelete:
		return t.DeleteCall
	}
	return ""
}

func (t *Target) fields(op common.Operation) []int {
	if op == common.OpDelete {
		return t.Keys
	}
	return t.Tuple
}

type tableKey struct {
	database string
	table    string
}

type patternTarget struct {
	matcher *filter.TableMatcher
	target  *Target
}

// targets resolves tables to targets. Literal names win over globs; globs
// are tried in configuration order and the result is cached.
type targets struct {
	exact    map[tableKey]*Target
	patterns []patternTarget
}

func newTargets(list []Target) (*targets, error) {
	ts := &targets{exact: make(map[tableKey]*Target)}
	for i := range list {
		t := &list[i]
		m, err := filter.NewTableMatcher(t.Database, t.Table)
		if err != nil {
			return nil, err
		}
		if m.Literal() {
			ts.exact[tableKey{t.Database, t.Table}] = t
			continue
		}
		ts.patterns = append(ts.patterns, patternTarget{matcher: m, target: t})
	}
	return ts, nil
}

func (ts *targets) lookup(database, table string) (*Target, error) {
	key := tableKey{database, table}
	if t, ok := ts.exact[key]; ok {
		return t, nil
	}
	for _, p := range ts.patterns {
		if p.matcher.Match(database, table) {
			ts.exact[key] = p.target
			return p.target, nil
		}
	}
	return nil, fmt.Errorf("%w: no target for %s.%s", ErrMapping, database, table)
}
