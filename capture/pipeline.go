package capture

import (
	"context"
	"fmt"
	"sort"

	"github.com/replicatord/replicatord/common"
	"github.com/replicatord/replicatord/filter"
	"github.com/replicatord/replicatord/schema"
	"github.com/replicatord/replicatord/state"
	"github.com/rs/zerolog/log"
)

// Table is one tracked table as configured. Name may be a glob.
type Table struct {
	Database string
	Name     string
	Columns  []string
	Filter   *filter.Predicate
}

// Config configures the capture pipeline
type Config struct {
	Tables   []Table // configuration order
	Filters  *filter.Registry
	State    *state.State
	Source   Source
	Schema   schema.Options
	Activity func() // called for every processed event and snapshot row
}

// Pipeline opens capture sequences over a source
type Pipeline struct {
	config Config
}

func New(config Config) *Pipeline {
	if config.Filters == nil {
		config.Filters = filter.NewRegistry()
	}
	if config.State == nil {
		config.State = state.New()
	}
	if config.Activity == nil {
		config.Activity = func() {}
	}
	return &Pipeline{config: config}
}

// Open loads the table schemas and starts a sequence. An unknown from
// position starts with a full snapshot; anything else tails from it.
func (p *Pipeline) Open(ctx context.Context, from common.Position) (*Sequence, error) {
	if p.config.Source == nil {
		return nil, fmt.Errorf("capture source is required")
	}

	tables, err := p.loadTables(ctx)
	if err != nil {
		return nil, err
	}

	seq := newSequence(p, tables)
	if !from.IsZero() {
		seq.mode = modeTail
		seq.boundary = from
		log.Info().Str("binlog", from.String()).Int("tables", len(tables)).Msg("Resuming binlog tail")
		return seq, nil
	}

	tail, err := p.config.Source.TailPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("read binlog position before snapshot: %w", err)
	}
	if tail.IsZero() {
		return nil, fmt.Errorf("source reports no binlog position; is binary logging enabled?")
	}
	seq.mode = modeSnapshot
	seq.boundary = tail

	log.Info().Str("binlog", tail.String()).Int("tables", len(tables)).Msg("Starting initial snapshot")
	return seq, nil
}

// loadTables expands globs and builds a schema per tracked table, in
// configuration order. A table named literally belongs to its literal entry
// even when an earlier glob matches it.
func (p *Pipeline) loadTables(ctx context.Context) ([]*schema.Table, error) {
	type resolved struct {
		database, table string
		configured      *Table
	}

	literals := make(map[string]bool)
	for _, t := range p.config.Tables {
		if !filter.IsPattern(t.Name) {
			literals[t.Database+"."+t.Name] = true
		}
	}

	var order []resolved
	claimed := make(map[string]bool)
	claim := func(db, table string, configured *Table) {
		key := db + "." + table
		if claimed[key] {
			return
		}
		claimed[key] = true
		order = append(order, resolved{db, table, configured})
	}

	listed := make(map[string][]string)
	for i := range p.config.Tables {
		t := &p.config.Tables[i]
		if !filter.IsPattern(t.Name) {
			claim(t.Database, t.Name, t)
			continue
		}

		m, err := filter.NewTableMatcher(t.Database, t.Name)
		if err != nil {
			return nil, err
		}
		names, ok := listed[t.Database]
		if !ok {
			if names, err = p.config.Source.Tables(ctx, t.Database); err != nil {
				return nil, fmt.Errorf("list tables of %s: %w", t.Database, err)
			}
			sort.Strings(names)
			listed[t.Database] = names
		}
		matched := 0
		for _, name := range names {
			if !m.Match(t.Database, name) {
				continue
			}
			matched++
			if !literals[t.Database+"."+name] {
				claim(t.Database, name, t)
			}
		}
		if matched == 0 {
			log.Warn().Str("db", t.Database).Str("pattern", t.Name).Msg("Table pattern matches no tables")
		}
	}

	tables := make([]*schema.Table, 0, len(order))
	for _, r := range order {
		defs, err := p.config.Source.Columns(ctx, r.database, r.table)
		if err != nil {
			return nil, fmt.Errorf("load columns of %s.%s: %w", r.database, r.table, err)
		}
		tbl, err := schema.New(r.database, r.table, defs, r.configured.Columns, p.config.Schema)
		if err != nil {
			return nil, err
		}
		if r.configured.Filter != nil {
			p.config.Filters.Register(r.database, r.table, r.configured.Filter)
		}
		tables = append(tables, tbl)

		log.Debug().
			Str("db", r.database).
			Str("table", r.table).
			Int("columns", tbl.NumColumns()).
			Int("projected", len(r.configured.Columns)).
			Msg("Loaded table schema")
	}
	return tables, nil
}
