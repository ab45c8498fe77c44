package main

import (
	"context"
	"errors"
	"net/http"

	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/lib/pq/oid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/compute"
	"github.com/daviszhen/aggr/pkg/util"
)

//serve cmd

var serveInfo = "serve aggregations over the postgres wire protocol"
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: serveInfo,
	Long:  serveInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var (
	listenAddr  string
	metricsAddr string
)

func initServeCmd() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:5432", "postgres wire address")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics", "", "prometheus /metrics address. empty disables it")
}

func serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	srv := &server{
		fs:      afero.NewOsFs(),
		metrics: compute.NewMetrics(reg),
	}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			err := http.ListenAndServe(metricsAddr, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}
	util.Info("listening", zap.String("addr", listenAddr), zap.String("metrics", metricsAddr))
	return wire.ListenAndServe(listenAddr, srv.handler)
}

type server struct {
	fs      afero.Fs
	metrics *compute.Metrics
}

func (srv *server) handler(ctx context.Context, sql string) (wire.PreparedStatements, error) {
	util.Info("incoming SQL :", zap.String("query", sql))
	q, err := prepare(srv.fs, sql, srv.metrics)
	if err != nil {
		return nil, err
	}
	return wire.Prepared(
		wire.NewStatement(q.handle,
			wire.WithColumns(q.columns()),
		),
	), nil
}

func (q *query) columns() wire.Columns {
	typs := q.exec.OutputTypes()
	names := q.stmt.Names()
	cols := make(wire.Columns, 0, len(names))
	for i, col := range q.stmt.Projection() {
		cols = append(cols, wire.Column{
			Name:  names[i],
			Oid:   wireOid(typs[col]),
			Width: int16(typs[col].Width),
		})
	}
	return cols
}

// wireOid is the postgres type a column is sent as. DECIMAL goes as
// text to keep its scale.
func wireOid(typ common.LType) oid.Oid {
	switch typ.Id {
	case common.LTID_BOOLEAN:
		return oid.T_bool
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return oid.T_int8
	case common.LTID_DOUBLE:
		return oid.T_float8
	case common.LTID_DATE:
		return oid.T_date
	case common.LTID_BLOB:
		return oid.T_bytea
	default:
		return oid.T_varchar
	}
}

func (q *query) handle(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) (err error) {
	defer func() {
		err = multierr.Append(err, q.Close())
	}()
	proj := q.stmt.Projection()
	err = q.exec.Run(ctx, q.src, func(c *chunk.Chunk) error {
		return c.SaveToWriter(writer, proj)
	})
	if err != nil {
		return err
	}
	return writer.Complete("SELECT")
}
