package parser

import (
	"github.com/pkg/errors"

	"github.com/daviszhen/aggr/pkg/source"
	"github.com/daviszhen/aggr/pkg/util"
)

// Bind resolves column names against schema and fills the keys and
// functions of cfg.
func (q *Query) Bind(cfg *util.AggrConfig, schema *source.Schema) error {
	cfg.Keys = cfg.Keys[:0]
	cfg.Funcs = cfg.Funcs[:0]
	for _, k := range q.Keys {
		col := schema.Index(k)
		if col < 0 {
			return errors.Errorf("column %q not in %s", k, schema)
		}
		cfg.Keys = append(cfg.Keys, col)
	}
	for _, f := range q.Funcs {
		col := -1
		if f.Arg != "" {
			col = schema.Index(f.Arg)
			if col < 0 {
				return errors.Errorf("column %q of %v not in %s", f.Arg, f, schema)
			}
		}
		cfg.Funcs = append(cfg.Funcs, util.AggrFuncConfig{Name: f.Name, Arg: col})
	}
	return nil
}

// Projection maps every select item to its result column. Results
// carry the keys first, then the aggregates.
func (q *Query) Projection() []int {
	proj := make([]int, len(q.Targets))
	for i, t := range q.Targets {
		if t.Key >= 0 {
			proj[i] = t.Key
		} else {
			proj[i] = len(q.Keys) + t.Func
		}
	}
	return proj
}

func (q *Query) Names() []string {
	names := make([]string, len(q.Targets))
	for i, t := range q.Targets {
		names[i] = t.Name
	}
	return names
}
