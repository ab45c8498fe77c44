package compute

import (
	"fmt"
	"strings"

	"github.com/xlab/treeprint"

	"github.com/daviszhen/aggr/pkg/util"
)

// Explain prints how the query will run: key method, functions,
// workers and the spill and compile settings.
func (e *Executor) Explain() string {
	cfg := e._cfg
	tree := treeprint.NewWithRoot(fmt.Sprintf("Aggregate %s", e._id))
	tree.AddMetaNode("method", e._method.String())
	tree.AddMetaNode("output", cfg.Output)

	keys := tree.AddBranch("keys:")
	for i, k := range e._keys {
		keys.AddNode(fmt.Sprintf("%d col %d %v", i, k.Col, k.Typ))
	}
	funcs := tree.AddBranch("functions:")
	layout := e._bound.Layout()
	for i, f := range e._funcs {
		arg := "*"
		if f.Arg >= 0 {
			arg = fmt.Sprintf("col %d", f.Arg)
		}
		funcs.AddMetaNode(fmt.Sprintf("offset %d", layout.Offset(i)),
			fmt.Sprintf("%v over %s -> %v", f, arg, f.RetTyp))
	}
	funcs.AddMetaNode("record", fmt.Sprintf("%d bytes", layout.Size()))

	exec := tree.AddBranch("execution:")
	exec.AddMetaNode("workers", cfg.Workers)
	exec.AddMetaNode("twoLevel", fmt.Sprintf("start=%v groups>%d bytes>%v shards=%d",
		e._method.TwoLevel, cfg.TwoLevelThreshold, cfg.TwoLevelBytesThreshold, 1<<cfg.ShardBits))
	if cfg.MemoryBudget > 0 {
		exec.AddMetaNode("memoryBudget", cfg.MemoryBudget.HR())
	} else {
		exec.AddMetaNode("memoryBudget", "unlimited")
	}
	if cfg.Spill.Enable {
		exec.AddMetaNode("spill", fmt.Sprintf("%s codec=%s blockRows=%d",
			cfg.Spill.Dir, cfg.Spill.Codec, cfg.Spill.BlockRows))
	} else {
		exec.AddMetaNode("spill", "off")
	}
	exec.AddMetaNode("compile", compileMode(cfg.Compile, e._bound.Signature().Text))
	return tree.String()
}

func compileMode(cfg util.CompileConfig, sig string) string {
	if !cfg.Enable {
		return "off"
	}
	return fmt.Sprintf("after %d uses of [%s]", cfg.Threshold, strings.TrimSpace(sig))
}
