package main

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/compute"
	"github.com/daviszhen/aggr/pkg/parser"
	"github.com/daviszhen/aggr/pkg/source"
	"github.com/daviszhen/aggr/pkg/util"
)

// query is one parsed statement bound to its input file.
type query struct {
	stmt *parser.Query
	src  source.Source
	exec *compute.Executor
}

// prepare parses sql, opens the file it reads and builds the executor.
// The FROM name is looked up in the [tables] section of the config
// first, then taken as a path.
func prepare(fs afero.Fs, sql string, metrics *compute.Metrics) (*query, error) {
	stmt, err := parser.ParseQuery(sql)
	if err != nil {
		return nil, err
	}
	path := stmt.From
	if p := viper.GetString("tables." + stmt.From); p != "" {
		path = p
	}
	var schema *source.Schema
	if s := viper.GetString("source.schema"); s != "" {
		if schema, err = source.ParseSchema(s); err != nil {
			return nil, err
		}
	}
	opts := source.CSVOptions{
		Header: viper.GetBool("source.header"),
		Null:   viper.GetString("source.null"),
	}
	if d := viper.GetString("source.delimiter"); d != "" {
		r, size := utf8.DecodeRuneInString(d)
		if size != len(d) {
			return nil, errors.Errorf("delimiter %q is not one character", d)
		}
		opts.Delimiter = r
	}
	src, err := source.Open(fs, path, viper.GetString("source.format"), schema, opts)
	if err != nil {
		return nil, err
	}
	exec, err := bindExecutor(stmt, src.Schema(), metrics)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	util.Debug("query prepared",
		zap.String("query", exec.Id()),
		zap.String("path", path),
		zap.String("schema", src.Schema().String()))
	return &query{stmt: stmt, src: src, exec: exec}, nil
}

// bindExecutor builds the executor of stmt over input from the
// command line settings.
func bindExecutor(stmt *parser.Query, input *source.Schema, metrics *compute.Metrics) (*compute.Executor, error) {
	cfg := baseCfg
	if cfg == nil {
		cfg = util.DefaultAggrConfig()
	}
	cfg = cfg.Copy()
	if err := stmt.Bind(cfg, input); err != nil {
		return nil, err
	}
	return compute.NewExecutor(cfg, input.Types, compute.WithMetrics(metrics))
}

func (q *query) Close() error {
	return q.src.Close()
}
