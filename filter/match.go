package filter

import (
	"fmt"

	"github.com/gobwas/glob"
)

// TableMatcher matches a database/table pair against glob patterns
type TableMatcher struct {
	database glob.Glob
	table    glob.Glob
	literal  bool
}

// NewTableMatcher compiles the patterns; an empty pattern matches everything
func NewTableMatcher(databasePattern, tablePattern string) (*TableMatcher, error) {
	m := &TableMatcher{literal: !IsPattern(databasePattern) && !IsPattern(tablePattern)}

	var err error
	if m.database, err = compile(databasePattern); err != nil {
		return nil, fmt.Errorf("invalid database pattern %q: %w", databasePattern, err)
	}
	if m.table, err = compile(tablePattern); err != nil {
		return nil, fmt.Errorf("invalid table pattern %q: %w", tablePattern, err)
	}
	return m, nil
}

func compile(pattern string) (glob.Glob, error) {
	if pattern == "" {
		pattern = "*"
	}
	return glob.Compile(pattern)
}

// Literal reports whether both patterns are plain names
func (m *TableMatcher) Literal() bool { return m.literal }

func (m *TableMatcher) Match(database, table string) bool {
	return m.database.Match(database) && m.table.Match(table)
}

// IsPattern reports whether s uses glob syntax
func IsPattern(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', '{', '\\':
			return true
		}
	}
	return false
}
