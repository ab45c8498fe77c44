package chunk

import (
	"errors"
	"fmt"
	"io"
	"strings"

	wire "github.com/jeroenrinzema/psql-wire"
	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

type Chunk struct {
	Data  []*Vector
	Count int
	_Cap  int
}

func NewChunk(types []common.LType, cap int) *Chunk {
	c := &Chunk{}
	c.Init(types, cap)
	return c
}

func (c *Chunk) Init(types []common.LType, cap int) {
	c._Cap = cap
	c.Count = 0
	c.Data = make([]*Vector, 0, len(types))
	for _, lType := range types {
		c.Data = append(c.Data, NewFlatVector(lType, c._Cap))
	}
}

func (c *Chunk) Reset() {
	for _, vec := range c.Data {
		vec.Reset()
	}
	c.Count = 0
}

func (c *Chunk) Cap() int {
	return c._Cap
}

func (c *Chunk) SetCard(count int) {
	util.AssertFunc(count <= c._Cap)
	c.Count = count
}

func (c *Chunk) Card() int {
	return c.Count
}

func (c *Chunk) ColumnCount() int {
	if c == nil {
		return 0
	}
	return len(c.Data)
}

func (c *Chunk) Types() []common.LType {
	ret := make([]common.LType, len(c.Data))
	for i, vec := range c.Data {
		ret[i] = vec.Typ()
	}
	return ret
}

// Row materializes one row. For tests and small outputs.
func (c *Chunk) Row(i int) []*Value {
	row := make([]*Value, c.ColumnCount())
	for j := range row {
		row[j] = c.Data[j].GetValue(i)
	}
	return row
}

func (c *Chunk) String() string {
	sb := strings.Builder{}
	for i := 0; i < c.Card(); i++ {
		for j := 0; j < c.ColumnCount(); j++ {
			if j > 0 {
				sb.WriteByte('\t')
			}
			sb.WriteString(c.Data[j].GetValue(i).String())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (c *Chunk) Print() {
	fmt.Print(c.String())
}

func (c *Chunk) Print2(rowPrefix string) {
	for i := 0; i < c.Card(); i++ {
		fields := make([]zap.Field, 0, c.ColumnCount())
		for j := 0; j < c.ColumnCount(); j++ {
			fields = append(fields, zap.String("", c.Data[j].GetValue(i).String()))
		}
		util.Info(rowPrefix, fields...)
	}
}

func (c *Chunk) Serialize(serial util.Serialize) error {
	//save row count
	err := util.Write[uint32](uint32(c.Card()), serial)
	if err != nil {
		return err
	}
	//save column count
	err = util.Write[uint32](uint32(c.ColumnCount()), serial)
	if err != nil {
		return err
	}
	//save column types
	for i := 0; i < c.ColumnCount(); i++ {
		err = c.Data[i].Typ().Serialize(serial)
		if err != nil {
			return err
		}
	}
	//save column data
	for i := 0; i < c.ColumnCount(); i++ {
		err = c.Data[i].Serialize(c.Card(), serial)
		if err != nil {
			return err
		}
	}
	return nil
}

// Deserialize returns io.EOF when the stream is exhausted.
func (c *Chunk) Deserialize(deserial util.Deserialize) error {
	//read row count
	rowCnt := uint32(0)
	err := util.Read[uint32](&rowCnt, deserial)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	//read column count
	colCnt := uint32(0)
	err = util.Read[uint32](&colCnt, deserial)
	if err != nil {
		return err
	}
	//read column types
	typs := make([]common.LType, colCnt)
	for i := uint32(0); i < colCnt; i++ {
		typs[i], err = common.DeserializeLType(deserial)
		if err != nil {
			return err
		}
	}
	c.Init(typs, max(int(rowCnt), 1))
	c.SetCard(int(rowCnt))
	//read column data
	for i := uint32(0); i < colCnt; i++ {
		err = c.Data[i].Deserialize(int(rowCnt), deserial)
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveToWriter sends the rows to a postgres client. proj picks and
// orders the columns, nil sends all of them.
func (c *Chunk) SaveToWriter(writer wire.DataWriter, proj []int) (err error) {
	if proj == nil {
		proj = make([]int, c.ColumnCount())
		for j := range proj {
			proj[j] = j
		}
	}
	row := make([]any, len(proj))
	for i := 0; i < c.Card(); i++ {
		for j, col := range proj {
			row[j] = c.Data[col].GetValue(i).Any()
		}
		err = writer.Row(row)
		if err != nil {
			return err
		}
	}
	return nil
}
