// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parser

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
	"github.com/pkg/errors"
)

func Parse(s string) ([]*pg_query.RawStmt, error) {
	result, err := pg_query.Parse(s)
	if err != nil {
		return nil, err
	}
	return result.Stmts, nil
}

// Aggregate is one aggregate call of the select list. Arg is empty for
// count(*).
type Aggregate struct {
	Name string
	Arg  string
}

func (a Aggregate) String() string {
	if a.Arg == "" {
		return a.Name + "(*)"
	}
	return fmt.Sprintf("%s(%s)", a.Name, a.Arg)
}

// Target is one entry of the select list. It points either at a group
// key (Key >= 0) or at an aggregate (Func >= 0).
type Target struct {
	Name string
	Key  int
	Func int
}

// Query is an aggregation of the form
//
//	SELECT k1, ..., f1(c1), ... FROM "path" GROUP BY k1, ...
type Query struct {
	From    string
	Keys    []string
	Funcs   []Aggregate
	Targets []Target
}

// ParseQuery accepts exactly one SELECT over one relation. Filters,
// joins, ordering and limits are rejected.
func ParseQuery(sql string) (*Query, error) {
	stmts, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	if len(stmts) != 1 {
		return nil, errors.Errorf("expect one statement, got %d", len(stmts))
	}
	sel := stmts[0].GetStmt().GetSelectStmt()
	if sel == nil {
		return nil, errors.New("only SELECT is supported")
	}
	switch {
	case sel.GetWhereClause() != nil:
		return nil, errors.New("WHERE is not supported")
	case sel.GetHavingClause() != nil:
		return nil, errors.New("HAVING is not supported")
	case len(sel.GetSortClause()) != 0:
		return nil, errors.New("ORDER BY is not supported")
	case sel.GetLimitCount() != nil || sel.GetLimitOffset() != nil:
		return nil, errors.New("LIMIT is not supported")
	case len(sel.GetDistinctClause()) != 0:
		return nil, errors.New("DISTINCT is not supported")
	case len(sel.GetWithClause().GetCtes()) != 0:
		return nil, errors.New("WITH is not supported")
	}

	q := &Query{}
	from := sel.GetFromClause()
	if len(from) != 1 {
		return nil, errors.Errorf("expect one relation in FROM, got %d", len(from))
	}
	rv := from[0].GetRangeVar()
	if rv == nil {
		return nil, errors.New("FROM must name a table or a quoted file path")
	}
	q.From = rv.GetRelname()
	if rv.GetSchemaname() != "" {
		q.From = rv.GetSchemaname() + "." + q.From
	}

	for _, g := range sel.GetGroupClause() {
		name, err := columnName(g)
		if err != nil {
			return nil, errors.Wrap(err, "GROUP BY")
		}
		if q.keyIndex(name) >= 0 {
			continue
		}
		q.Keys = append(q.Keys, name)
	}

	for _, node := range sel.GetTargetList() {
		res := node.GetResTarget()
		if res == nil {
			return nil, errors.Errorf("unsupported select item %v", node)
		}
		if err = q.addTarget(res); err != nil {
			return nil, err
		}
	}
	if len(q.Targets) == 0 {
		return nil, errors.New("empty select list")
	}
	return q, nil
}

func (q *Query) keyIndex(name string) int {
	for i, k := range q.Keys {
		if k == name {
			return i
		}
	}
	return -1
}

func (q *Query) addTarget(res *pg_query.ResTarget) error {
	val := res.GetVal()
	switch {
	case val.GetColumnRef() != nil:
		name, err := columnName(val)
		if err != nil {
			return err
		}
		idx := q.keyIndex(name)
		if idx < 0 {
			return errors.Errorf("column %q must appear in GROUP BY or be used in an aggregate", name)
		}
		q.Targets = append(q.Targets, Target{Name: alias(res, name), Key: idx, Func: -1})
	case val.GetFuncCall() != nil:
		agg, err := aggregate(val.GetFuncCall())
		if err != nil {
			return err
		}
		q.Funcs = append(q.Funcs, agg)
		q.Targets = append(q.Targets, Target{Name: alias(res, agg.Name), Key: -1, Func: len(q.Funcs) - 1})
	default:
		return errors.Errorf("select item %s is not a column or an aggregate", res.GetName())
	}
	return nil
}

func alias(res *pg_query.ResTarget, def string) string {
	if res.GetName() != "" {
		return res.GetName()
	}
	return def
}

func getFuncName(fc *pg_query.FuncCall) string {
	parts := fc.GetFuncname()
	if len(parts) == 0 {
		return ""
	}
	return strings.ToLower(parts[len(parts)-1].GetString_().GetSval())
}

func aggregate(fc *pg_query.FuncCall) (Aggregate, error) {
	agg := Aggregate{Name: getFuncName(fc)}
	if fc.GetAggDistinct() {
		return agg, errors.Errorf("%s(DISTINCT ...) is not supported", agg.Name)
	}
	if fc.GetAggFilter() != nil || fc.GetOver() != nil || len(fc.GetAggOrder()) != 0 {
		return agg, errors.Errorf("%s: FILTER, OVER and ORDER BY are not supported", agg.Name)
	}
	if fc.GetAggStar() {
		if agg.Name != "count" {
			return agg, errors.Errorf("%s(*) is not supported", agg.Name)
		}
		return agg, nil
	}
	args := fc.GetArgs()
	if len(args) != 1 {
		return agg, errors.Errorf("%s expects one argument, got %d", agg.Name, len(args))
	}
	arg, err := columnName(args[0])
	if err != nil {
		return agg, errors.Wrapf(err, "argument of %s", agg.Name)
	}
	agg.Arg = arg
	return agg, nil
}

// columnName reads a plain or qualified column reference. The
// qualifier is dropped since there is one relation.
func columnName(node *pg_query.Node) (string, error) {
	ref := node.GetColumnRef()
	if ref == nil {
		return "", errors.Errorf("expect a column reference, got %v", node)
	}
	fields := ref.GetFields()
	if len(fields) == 0 {
		return "", errors.New("empty column reference")
	}
	last := fields[len(fields)-1]
	if last.GetAStar() != nil {
		return "", errors.New("* is not supported here")
	}
	name := last.GetString_().GetSval()
	if name == "" {
		return "", errors.Errorf("bad column reference %v", node)
	}
	return strings.ToLower(name), nil
}
