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

package jit

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/daviszhen/aggr/pkg/function"
	"github.com/daviszhen/aggr/pkg/util"
)

// artifact is one compiled function set. The cache holds one reference
// while the entry is published; every Handle holds another.
type artifact struct {
	_sig     string
	_kernels []function.Kernel
	// nil kernels with err set is a negative entry
	_err      error
	_refs     atomic.Int64
	_released atomic.Bool
	_live     *atomic.Int64
}

func (a *artifact) acquire() bool {
	for {
		cur := a._refs.Load()
		if cur <= 0 {
			return false
		}
		if a._refs.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (a *artifact) release() {
	n := a._refs.Add(-1)
	util.AssertFunc(n >= 0)
	if n == 0 && a._released.CompareAndSwap(false, true) {
		a._kernels = nil
		if a._live != nil {
			a._live.Add(-1)
		}
	}
}

// Handle pins one compiled artifact. Release exactly once.
type Handle struct {
	_art  *artifact
	_once sync.Once
}

func (h *Handle) Kernels() []function.Kernel {
	return h._art._kernels
}

func (h *Handle) Signature() string {
	return h._art._sig
}

func (h *Handle) Release() {
	h._once.Do(h._art.release)
}

// Bind makes a function set over bound whose Release drops the handle.
// The artifact is shared by queries with the same signature, the
// argument columns come from bound.
func (h *Handle) Bind(bound *function.BoundSet) function.FunctionSet {
	return &compiledSet{
		SpecializedSet: function.NewSpecializedSet(bound, h.Kernels()),
		_handle:        h,
	}
}

type compiledSet struct {
	*function.SpecializedSet
	_handle *Handle
}

func (set *compiledSet) Release() {
	set._handle.Release()
}

type Stats struct {
	Hits     int64
	Misses   int64
	Compiles int64
	Failures int64
	Live     int64
}

// Cache maps function set signatures to compiled artifacts. Lookups read
// an immutable snapshot; only publishing takes the mutex.
type Cache struct {
	_compiler Compiler
	_snapshot atomic.Pointer[map[string]*artifact]
	_mu       sync.Mutex
	_uses     sync.Map
	_group    singleflight.Group

	_hits     atomic.Int64
	_misses   atomic.Int64
	_compiles atomic.Int64
	_failures atomic.Int64
	_live     atomic.Int64
}

func NewCache(compiler Compiler) *Cache {
	if compiler == nil {
		compiler = KernelCompiler{}
	}
	c := &Cache{_compiler: compiler}
	empty := make(map[string]*artifact)
	c._snapshot.Store(&empty)
	return c
}

var (
	gCache     *Cache
	gCacheOnce sync.Once
)

// Default is the process-wide cache, created on first use.
func Default() *Cache {
	gCacheOnce.Do(func() {
		gCache = NewCache(KernelCompiler{})
	})
	return gCache
}

func (c *Cache) lookup(sig string) *artifact {
	return (*c._snapshot.Load())[sig]
}

func (c *Cache) usage(sig string) int64 {
	v, _ := c._uses.LoadOrStore(sig, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1)
}

// GetOrCompile returns a handle on the compiled form of funcs, or nil
// when the caller should interpret: the signature has been seen fewer
// than threshold times, or it failed to compile before.
func (c *Cache) GetOrCompile(sig function.Signature, funcs []*function.Func, threshold int) *Handle {
	if art := c.lookup(sig.Text); art != nil {
		if art._err != nil {
			c._misses.Add(1)
			return nil
		}
		if art.acquire() {
			c._hits.Add(1)
			return &Handle{_art: art}
		}
	}
	if c.usage(sig.Text) < int64(threshold) {
		c._misses.Add(1)
		return nil
	}
	v, _, _ := c._group.Do(sig.Text, func() (interface{}, error) {
		if art := c.lookup(sig.Text); art != nil {
			return art, nil
		}
		return c.compileAndPublish(sig.Text, funcs), nil
	})
	art := v.(*artifact)
	if art._err != nil || !art.acquire() {
		c._misses.Add(1)
		return nil
	}
	c._hits.Add(1)
	return &Handle{_art: art}
}

func (c *Cache) compileAndPublish(sig string, funcs []*function.Func) *artifact {
	art := &artifact{_sig: sig, _live: &c._live}
	kernels, err := c._compiler.Compile(funcs)
	if err != nil {
		c._failures.Add(1)
		util.Debug("compile failed, interpreting",
			zap.String("signature", sig),
			zap.Error(err))
		art._err = err
	} else {
		c._compiles.Add(1)
		c._live.Add(1)
		art._kernels = kernels
		art._refs.Store(1)
	}

	c._mu.Lock()
	defer c._mu.Unlock()
	old := *c._snapshot.Load()
	next := make(map[string]*artifact, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[sig] = art
	c._snapshot.Store(&next)
	return art
}

// Purge unpublishes every entry. Artifacts still pinned by handles are
// released when their last handle goes.
func (c *Cache) Purge() {
	c._mu.Lock()
	old := *c._snapshot.Load()
	empty := make(map[string]*artifact)
	c._snapshot.Store(&empty)
	c._mu.Unlock()

	for _, art := range old {
		if art._err == nil {
			art.release()
		}
	}
	c._uses.Range(func(key, _ any) bool {
		c._uses.Delete(key)
		return true
	})
}

func (c *Cache) Len() int {
	return len(*c._snapshot.Load())
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c._hits.Load(),
		Misses:   c._misses.Load(),
		Compiles: c._compiles.Load(),
		Failures: c._failures.Load(),
		Live:     c._live.Load(),
	}
}

// FunctionSet picks the compiled set for bound when the cache has one,
// and the interpreted set otherwise.
func (c *Cache) FunctionSet(bound *function.BoundSet, cfg util.CompileConfig) function.FunctionSet {
	if cfg.Enable {
		if h := c.GetOrCompile(bound.Signature(), bound.Funcs(), cfg.Threshold); h != nil {
			return h.Bind(bound)
		}
	}
	return function.NewInterpretedSet(bound)
}
