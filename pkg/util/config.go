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

package util

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

const (
	OutputFinal   = "final"
	OutputPartial = "partial"
)

const (
	DefaultTwoLevelThreshold      = 10000
	DefaultTwoLevelBytesThreshold = 64 * datasize.MB
	DefaultShardBits              = 8
	DefaultCompileThreshold       = 3
	DefaultSpillBlockRows         = 4096
)

// AggrFuncConfig names one aggregate and its argument column.
// Arg < 0 means count(*).
type AggrFuncConfig struct {
	Name string `tag:"name"`
	Arg  int    `tag:"arg"`
}

type SpillConfig struct {
	Enable    bool   `tag:"enable"`
	Dir       string `tag:"dir"`
	Codec     string `tag:"codec"`
	BlockRows int    `tag:"blockRows"`
}

type CompileConfig struct {
	Enable    bool `tag:"enable"`
	Threshold int  `tag:"threshold"`
}

type AggrConfig struct {
	Keys  []int            `tag:"keys"`
	Funcs []AggrFuncConfig `tag:"funcs"`

	// zero means unlimited
	MemoryBudget           datasize.ByteSize `tag:"memoryBudget"`
	Workers                int               `tag:"workers"`
	TwoLevelThreshold      int               `tag:"twoLevelThreshold"`
	TwoLevelBytesThreshold datasize.ByteSize `tag:"twoLevelBytesThreshold"`
	ShardBits              int               `tag:"shardBits"`
	CardinalityHint        int               `tag:"cardinalityHint"`
	Output                 string            `tag:"output"`

	Spill   SpillConfig   `tag:"spill"`
	Compile CompileConfig `tag:"compile"`
	Log     LogConfig     `tag:"log"`
}

func DefaultAggrConfig() *AggrConfig {
	return &AggrConfig{
		Workers:                runtime.GOMAXPROCS(0),
		TwoLevelThreshold:      DefaultTwoLevelThreshold,
		TwoLevelBytesThreshold: DefaultTwoLevelBytesThreshold,
		ShardBits:              DefaultShardBits,
		Output:                 OutputFinal,
		Spill: SpillConfig{
			Enable:    true,
			Dir:       os.TempDir(),
			Codec:     "lz4",
			BlockRows: DefaultSpillBlockRows,
		},
		Compile: CompileConfig{
			Enable:    true,
			Threshold: DefaultCompileThreshold,
		},
	}
}

// LoadConfig decodes a toml file over the defaults. A file without keys
// and functions holds settings only and is validated once the query is
// bound.
func LoadConfig(path string) (*AggrConfig, error) {
	cfg := DefaultAggrConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	if len(cfg.Keys) == 0 && len(cfg.Funcs) == 0 {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

func ParseByteSize(s string) (datasize.ByteSize, error) {
	if s == "" {
		return 0, nil
	}
	return datasize.ParseString(strings.TrimSpace(s))
}

func (cfg *AggrConfig) Validate() error {
	if len(cfg.Funcs) == 0 && len(cfg.Keys) == 0 {
		return errors.New("no group keys and no aggregate functions")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShardBits <= 0 || cfg.ShardBits > 16 {
		return fmt.Errorf("shardBits %d out of range [1,16]", cfg.ShardBits)
	}
	if cfg.TwoLevelThreshold <= 0 {
		cfg.TwoLevelThreshold = DefaultTwoLevelThreshold
	}
	switch cfg.Output {
	case "":
		cfg.Output = OutputFinal
	case OutputFinal, OutputPartial:
	default:
		return fmt.Errorf("unknown output mode %q", cfg.Output)
	}
	if cfg.Spill.BlockRows <= 0 {
		cfg.Spill.BlockRows = DefaultSpillBlockRows
	}
	if cfg.Compile.Threshold < 0 {
		cfg.Compile.Threshold = 0
	}
	for i, f := range cfg.Funcs {
		cfg.Funcs[i].Name = strings.ToLower(strings.TrimSpace(f.Name))
	}
	return nil
}

// Copy gives every query a private config.
func (cfg *AggrConfig) Copy() *AggrConfig {
	return clone.Clone(cfg).(*AggrConfig)
}
