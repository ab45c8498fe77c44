package common

import (
	"time"
)

// Date counts days since 1970-01-01.
type Date int32

const dateLayout = "2006-01-02"

func DateFromTime(t time.Time) Date {
	y, m, d := t.Date()
	u := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Date(u.Unix() / 86400)
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return 0, err
	}
	return DateFromTime(t), nil
}

func (d Date) ToTime() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

func (d Date) String() string {
	return d.ToTime().Format(dateLayout)
}
