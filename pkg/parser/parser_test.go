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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/aggr/pkg/source"
	"github.com/daviszhen/aggr/pkg/util"
)

func TestParser(t *testing.T) {
	stmts, err := Parse("SELECT 42")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(stmts))
	assert.Equal(t, int32(42), stmts[0].Stmt.GetSelectStmt().GetTargetList()[0].GetResTarget().GetVal().GetAConst().GetIval().Ival)
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery(`SELECT count(*), region, SUM(amount) AS total, max(s.day)
		FROM "data/Sales.csv" s GROUP BY region, region`)
	require.NoError(t, err)
	assert.Equal(t, "data/Sales.csv", q.From)
	assert.Equal(t, []string{"region"}, q.Keys)
	assert.Equal(t, []Aggregate{
		{Name: "count"},
		{Name: "sum", Arg: "amount"},
		{Name: "max", Arg: "day"},
	}, q.Funcs)
	assert.Equal(t, []string{"count", "region", "total", "max"}, q.Names())
	assert.Equal(t, []int{1, 0, 2, 3}, q.Projection())
	assert.Equal(t, "count(*)", q.Funcs[0].String())
}

func TestParseGlobalQuery(t *testing.T) {
	q, err := ParseQuery("select avg(v) from t")
	require.NoError(t, err)
	assert.Empty(t, q.Keys)
	assert.Equal(t, "t", q.From)
	assert.Equal(t, []int{0}, q.Projection())
}

func TestParseQueryRejects(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{"select k from t", "GROUP BY"},
		{"select k, count(*) from t where k > 1 group by k", "WHERE"},
		{"select k, count(*) from t group by k order by k", "ORDER BY"},
		{"select k, count(*) from t group by k limit 3", "LIMIT"},
		{"select count(distinct k) from t", "DISTINCT"},
		{"select sum(*) from t", "sum(*)"},
		{"select sum(v + 1) from t", "column reference"},
		{"select count(*) from a, b", "one relation"},
		{"select 1 + 2 from t", "not a column or an aggregate"},
		{"insert into t values (1)", "only SELECT"},
		{"select 1; select 2", "one statement"},
	}
	for _, c := range cases {
		t.Run(c.sql, func(t *testing.T) {
			_, err := ParseQuery(c.sql)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.want)
		})
	}
}

func TestBind(t *testing.T) {
	schema, err := source.ParseSchema("day date, region varchar, amount decimal(12,2)")
	require.NoError(t, err)
	q, err := ParseQuery(`select region, sum(amount), count(*) from "x.csv" group by region`)
	require.NoError(t, err)

	cfg := util.DefaultAggrConfig()
	require.NoError(t, q.Bind(cfg, schema))
	assert.Equal(t, []int{1}, cfg.Keys)
	assert.Equal(t, []util.AggrFuncConfig{{Name: "sum", Arg: 2}, {Name: "count", Arg: -1}}, cfg.Funcs)

	q, err = ParseQuery(`select nope, count(*) from "x.csv" group by nope`)
	require.NoError(t, err)
	err = q.Bind(cfg, schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nope"`)
}
