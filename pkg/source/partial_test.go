package source

import (
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
)

const partialSQL = "select k, count(*) from t group by k"

func writePartial(t *testing.T, fs afero.Fs, path string, sch *Schema, keys ...string) {
	w, err := CreatePartial(fs, path, partialSQL, sch)
	require.NoError(t, err)
	states := make([]string, len(keys))
	for i, k := range keys {
		states[i] = "state-" + k
	}
	c := chunk.NewChunk([]common.LType{common.VarcharType(), common.BlobType()}, len(keys))
	copy(c.Data[0].Strs, keys)
	copy(c.Data[1].Strs, states)
	c.SetCard(len(keys))
	require.NoError(t, w.Write(c))
	assert.Equal(t, int64(len(keys)), w.Rows())
	require.NoError(t, w.Commit())
}

func TestPartialFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	sch, err := ParseSchema("k varchar, v decimal(12,2)")
	require.NoError(t, err)
	writePartial(t, fs, "/p1", sch, "a", "b")
	writePartial(t, fs, "/p2", sch, "c")

	ps, err := OpenPartial(fs, "/p1", "/p2")
	require.NoError(t, err)
	defer ps.Close()
	assert.Equal(t, partialSQL, ps.SQL())
	assert.Equal(t, sch.String(), ps.Input().String())

	var keys []string
	for {
		c, err := ps.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, 2, c.ColumnCount())
		for i := 0; i < c.Card(); i++ {
			keys = append(keys, c.Data[0].GetValue(i).String())
			assert.Equal(t, "state-"+keys[len(keys)-1], c.Data[1].Strs[i])
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestPartialMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := ParseSchema("k varchar, v bigint")
	require.NoError(t, err)
	b, err := ParseSchema("k varchar, v double")
	require.NoError(t, err)
	writePartial(t, fs, "/p1", a, "a")
	writePartial(t, fs, "/p2", b, "b")

	ps, err := OpenPartial(fs, "/p1", "/p2")
	require.NoError(t, err)
	defer ps.Close()
	_, err = ps.Next(context.Background())
	require.NoError(t, err)
	_, err = ps.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another query")
}

func TestPartialBadHeader(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/junk", []byte("not a partial file"), 0644))
	_, err := OpenPartial(fs, "/junk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad magic")

	_, err = OpenPartial(fs)
	require.Error(t, err)
}

func TestPartialAbort(t *testing.T) {
	fs := afero.NewMemMapFs()
	sch, err := ParseSchema("k varchar")
	require.NoError(t, err)
	w, err := CreatePartial(fs, "/out/p", partialSQL, sch)
	require.NoError(t, err)
	exists, err := afero.Exists(fs, "/out/p")
	require.NoError(t, err)
	assert.False(t, exists, "nothing at the final path before commit")

	require.NoError(t, w.Abort())
	for _, path := range []string{"/out/p", "/out/p.tmp"} {
		exists, err = afero.Exists(fs, path)
		require.NoError(t, err)
		assert.False(t, exists, path)
	}
	require.Error(t, w.Commit())
	_, err = OpenPartial(fs, "/out/p")
	require.Error(t, err)
}
