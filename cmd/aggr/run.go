package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/compute"
	"github.com/daviszhen/aggr/pkg/parser"
	"github.com/daviszhen/aggr/pkg/source"
	"github.com/daviszhen/aggr/pkg/util"
)

//run cmd

var runInfo = "run one aggregation and print the result"
var runCmd = &cobra.Command{
	Use:   "run <sql>",
	Short: runInfo,
	Long:  runInfo,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, afero.NewOsFs(), args[0], cmd.OutOrStdout())
	},
}

var (
	printHeader bool
	printStats  bool
	savePath    string
)

func initRunCmd() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&printHeader, "need_headline", true, "output headline in query result")
	runCmd.Flags().BoolVar(&printStats, "stats", false, "print execution stats to stderr")
	runCmd.Flags().StringVar(&savePath, "save", "", "write result batches to a partial file instead of printing them, use with --output partial")
}

func runQuery(cmd *cobra.Command, fs afero.Fs, sql string, w io.Writer) (err error) {
	q, err := prepare(fs, sql, nil)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, q.Close())
	}()
	if savePath != "" {
		return saveQuery(cmd, fs, sql, q)
	}
	out := bufio.NewWriter(w)
	if printHeader {
		fmt.Fprintln(out, strings.Join(q.stmt.Names(), "\t"))
	}
	proj := q.stmt.Projection()
	err = q.exec.Run(cmd.Context(), q.src, func(c *chunk.Chunk) error {
		return writeRows(out, c, proj)
	})
	if err != nil {
		return err
	}
	if printStats {
		writeStats(os.Stderr, q.exec.Stats())
	}
	return out.Flush()
}

// saveQuery writes the result to savePath. A failed query leaves no
// file behind.
func saveQuery(cmd *cobra.Command, fs afero.Fs, sql string, q *query) error {
	pw, err := source.CreatePartial(fs, savePath, sql, q.src.Schema())
	if err != nil {
		return err
	}
	if err = q.exec.Run(cmd.Context(), q.src, pw.Write); err != nil {
		return multierr.Append(err, pw.Abort())
	}
	if err = pw.Commit(); err != nil {
		return err
	}
	util.Info("partial result saved",
		zap.String("path", savePath),
		zap.Int64("groups", pw.Rows()))
	if printStats {
		writeStats(os.Stderr, q.exec.Stats())
	}
	return nil
}

func writeRows(w io.Writer, c *chunk.Chunk, proj []int) error {
	sb := strings.Builder{}
	for i := 0; i < c.Card(); i++ {
		sb.Reset()
		for j, col := range proj {
			if j > 0 {
				sb.WriteByte('\t')
			}
			sb.WriteString(c.Data[col].GetValue(i).String())
		}
		sb.WriteByte('\n')
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

func writeStats(w io.Writer, st compute.Stats) {
	fmt.Fprintf(w, "rows %s, groups %s, spills %d (%s), promotions %d, compiled %v, peak memory %s, elapsed %v\n",
		humanize.Comma(st.Rows),
		humanize.Comma(st.Groups),
		st.Spills,
		humanize.IBytes(uint64(st.SpilledBytes)),
		st.Promotions,
		st.Compiled,
		humanize.IBytes(uint64(st.PeakMemory)),
		st.Elapsed)
}

//merge cmd

var mergeInfo = "finish the aggregation of partial files saved by run --save"
var mergeCmd = &cobra.Command{
	Use:   "merge <file>...",
	Short: mergeInfo,
	Long:  mergeInfo,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeQuery(cmd, afero.NewOsFs(), args, cmd.OutOrStdout())
	},
}

func initMergeCmd() {
	RootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().BoolVar(&printHeader, "need_headline", true, "output headline in query result")
	mergeCmd.Flags().BoolVar(&printStats, "stats", false, "print execution stats to stderr")
}

// mergeQuery rebuilds the query from the header of the first file and
// runs it over the intermediate states of all of them.
func mergeQuery(cmd *cobra.Command, fs afero.Fs, paths []string, w io.Writer) (err error) {
	ps, err := source.OpenPartial(fs, paths...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, ps.Close())
	}()
	stmt, err := parser.ParseQuery(ps.SQL())
	if err != nil {
		return err
	}
	exec, err := bindExecutor(stmt, ps.Input(), nil)
	if err != nil {
		return err
	}
	out := bufio.NewWriter(w)
	if printHeader {
		fmt.Fprintln(out, strings.Join(stmt.Names(), "\t"))
	}
	proj := stmt.Projection()
	err = exec.RunPartial(cmd.Context(), ps, func(c *chunk.Chunk) error {
		return writeRows(out, c, proj)
	})
	if err != nil {
		return err
	}
	if printStats {
		writeStats(os.Stderr, exec.Stats())
	}
	return out.Flush()
}

//explain cmd

var explainInfo = "print how an aggregation would run"
var explainCmd = &cobra.Command{
	Use:   "explain <sql>",
	Short: explainInfo,
	Long:  explainInfo,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		q, err := prepare(afero.NewOsFs(), args[0], nil)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, q.Close())
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "input: %s\n", q.src.Schema())
		fmt.Fprint(cmd.OutOrStdout(), q.exec.Explain())
		return nil
	},
}

func initExplainCmd() {
	RootCmd.AddCommand(explainCmd)
}
