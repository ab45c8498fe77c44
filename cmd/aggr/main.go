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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initRootFlags()
	initRunCmd()
	initMergeCmd()
	initExplainCmd()
	initServeCmd()
}

///root cmd

var info = "aggr runs GROUP BY aggregations over csv and parquet files"
var RootCmd = &cobra.Command{
	Use:          "aggr",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engineConfig()
		if err != nil {
			return err
		}
		baseCfg = cfg
		return util.InitLogger(cfg.Log)
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use aggr --help or -h")
	},
}

var cfgFile string

// baseCfg holds the settings every query starts from.
var baseCfg *util.AggrConfig

func initRootFlags() {
	flags := RootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file. default ./aggr.toml or etc/aggr.toml")
	flags.String("memory_budget", "", "memory budget, e.g. 512MB. empty means unlimited")
	flags.Int("workers", 0, "worker count. 0 means GOMAXPROCS")
	flags.String("output", util.OutputFinal, "output mode. final, partial")
	flags.Bool("spill", true, "spill to disk over the memory budget")
	flags.String("spill_dir", "", "spill directory")
	flags.String("spill_codec", "", "spill codec. none, lz4, zstd, snappy")
	flags.Bool("compile", true, "use compiled aggregate functions")
	flags.String("log_level", "", "log level")
	flags.String("schema", "", "csv schema, e.g. \"k varchar, v bigint\"")
	flags.String("format", "", "input format. csv, tsv, parquet. default by extension")
	flags.String("delimiter", "", "csv delimiter")
	flags.Bool("header", false, "csv has a header line")
	flags.String("null", "", "csv null marker")

	viper.BindPFlag("memoryBudget", flags.Lookup("memory_budget"))
	viper.BindPFlag("workers", flags.Lookup("workers"))
	viper.BindPFlag("output", flags.Lookup("output"))
	viper.BindPFlag("spill.enable", flags.Lookup("spill"))
	viper.BindPFlag("spill.dir", flags.Lookup("spill_dir"))
	viper.BindPFlag("spill.codec", flags.Lookup("spill_codec"))
	viper.BindPFlag("compile.enable", flags.Lookup("compile"))
	viper.BindPFlag("log.level", flags.Lookup("log_level"))
	viper.BindPFlag("source.schema", flags.Lookup("schema"))
	viper.BindPFlag("source.format", flags.Lookup("format"))
	viper.BindPFlag("source.delimiter", flags.Lookup("delimiter"))
	viper.BindPFlag("source.header", flags.Lookup("header"))
	viper.BindPFlag("source.null", flags.Lookup("null"))

	viper.SetEnvPrefix("AGGR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "aggr.toml"

// loadConfig lets viper see the config file so that tables and source
// settings can come from it. The engine settings are decoded again by
// util.LoadConfig in engineConfig.
func loadConfig() {
	if cfgFile == "" {
		for _, dirPath := range defCfgFilePaths {
			fpath := filepath.Join(dirPath, cfgFileName)
			if util.FileIsValid(fpath) {
				cfgFile = fpath
				break
			}
		}
	}
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		util.Error("viper load config file failed",
			zap.String("fpath", cfgFile),
			zap.Error(err))
		os.Exit(1)
	}
}

// engineConfig starts from the defaults or the config file, then
// applies flags and AGGR_* environment variables.
func engineConfig() (*util.AggrConfig, error) {
	cfg := util.DefaultAggrConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = util.LoadConfig(cfgFile); err != nil {
			return nil, err
		}
	}
	if viper.IsSet("memoryBudget") {
		size, err := util.ParseByteSize(viper.GetString("memoryBudget"))
		if err != nil {
			return nil, err
		}
		cfg.MemoryBudget = size
	}
	if viper.IsSet("workers") && viper.GetInt("workers") > 0 {
		cfg.Workers = viper.GetInt("workers")
	}
	if viper.IsSet("output") {
		cfg.Output = viper.GetString("output")
	}
	if viper.IsSet("spill.enable") {
		cfg.Spill.Enable = viper.GetBool("spill.enable")
	}
	if viper.IsSet("spill.dir") && viper.GetString("spill.dir") != "" {
		cfg.Spill.Dir = viper.GetString("spill.dir")
	}
	if viper.IsSet("spill.codec") && viper.GetString("spill.codec") != "" {
		cfg.Spill.Codec = viper.GetString("spill.codec")
	}
	if viper.IsSet("compile.enable") {
		cfg.Compile.Enable = viper.GetBool("compile.enable")
	}
	if viper.IsSet("log.level") && viper.GetString("log.level") != "" {
		cfg.Log.Level = viper.GetString("log.level")
	}
	return cfg, nil
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
