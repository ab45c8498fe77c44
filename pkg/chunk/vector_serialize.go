package chunk

import (
	"github.com/daviszhen/aggr/pkg/util"
)

// Serialize writes the first count rows: the validity mask, then the
// fixed width data in one block or one string per valid row.
func (vec *Vector) Serialize(count int, serial util.Serialize) error {
	if err := vec.Mask.Serialize(count, serial); err != nil {
		return err
	}
	pTyp := vec.Typ().GetInternalType()
	if pTyp.IsConstant() {
		return serial.WriteData(vec.Data, pTyp.Size()*count)
	}
	for i, s := range vec.Strs[:count] {
		if !vec.Mask.RowIsValid(i) {
			continue
		}
		if err := util.WriteString(s, serial); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads count rows written by Serialize into a vector with
// room for them.
func (vec *Vector) Deserialize(count int, deserial util.Deserialize) error {
	util.AssertFunc(count <= vec.Cap())
	if err := vec.Mask.Deserialize(count, vec.Cap(), deserial); err != nil {
		return err
	}
	pTyp := vec.Typ().GetInternalType()
	if pTyp.IsConstant() {
		return deserial.ReadData(vec.Data, pTyp.Size()*count)
	}
	var err error
	for i := 0; i < count; i++ {
		if !vec.Mask.RowIsValid(i) {
			vec.Strs[i] = ""
			continue
		}
		if vec.Strs[i], err = util.ReadString(deserial); err != nil {
			return err
		}
	}
	return nil
}
