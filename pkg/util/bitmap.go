package util

import "math/bits"

// Bitmap is a validity mask, one bit per row and set when the row is
// valid. An empty mask means every row is valid, so vectors without
// nulls never allocate one.
type Bitmap struct {
	Words []uint64
}

func WordCount(rows int) int {
	return (rows + 63) / 64
}

// Init materializes an all valid mask for rows.
func (bm *Bitmap) Init(rows int) {
	bm.Words = make([]uint64, WordCount(rows))
	for i := range bm.Words {
		bm.Words[i] = ^uint64(0)
	}
}

func (bm *Bitmap) AllValid() bool {
	return len(bm.Words) == 0
}

func (bm *Bitmap) RowIsValid(row int) bool {
	if bm.AllValid() {
		return true
	}
	return bm.Words[row>>6]&(1<<(row&63)) != 0
}

// Set marks row valid or not. Invalidating a row of an empty mask
// materializes it for rows.
func (bm *Bitmap) Set(row int, valid bool, rows int) {
	if valid {
		if !bm.AllValid() {
			bm.Words[row>>6] |= 1 << (row & 63)
		}
		return
	}
	if bm.AllValid() {
		bm.Init(rows)
	}
	bm.Words[row>>6] &^= 1 << (row & 63)
}

func (bm *Bitmap) Reset() {
	bm.Words = nil
}

// CountValid counts the valid rows among the first count.
func (bm *Bitmap) CountValid(count int) int {
	if bm.AllValid() {
		return count
	}
	n := 0
	full := count >> 6
	for _, w := range bm.Words[:full] {
		n += bits.OnesCount64(w)
	}
	if rest := count & 63; rest > 0 {
		n += bits.OnesCount64(bm.Words[full] & (1<<rest - 1))
	}
	return n
}

// Serialize writes the words covering count rows, after a flag telling
// whether there are any.
func (bm *Bitmap) Serialize(count int, serial Serialize) error {
	has := count > 0 && bm.CountValid(count) != count
	if err := Write[bool](has, serial); err != nil {
		return err
	}
	if !has {
		return nil
	}
	for _, w := range bm.Words[:WordCount(count)] {
		if err := Write[uint64](w, serial); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads a mask written by Serialize, sized for rows.
func (bm *Bitmap) Deserialize(count, rows int, deserial Deserialize) error {
	bm.Reset()
	has := false
	if err := Read[bool](&has, deserial); err != nil {
		return err
	}
	if !has {
		return nil
	}
	bm.Init(max(rows, count))
	for i := 0; i < WordCount(count); i++ {
		if err := Read[uint64](&bm.Words[i], deserial); err != nil {
			return err
		}
	}
	return nil
}
