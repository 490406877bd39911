package timeutil

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

type Time time.Time

func (t *Time) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == "{}" {
		return nil
	}
	if s[0] == '"' {
		tt, err := time.Parse(`"`+time.RFC3339Nano+`"`, s)
		if err != nil {
			return err
		}
		*t = Time(tt)
	} else {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		sec := int64(f)
		*t = Time(time.Unix(sec, int64((f-float64(sec))*1e9)))
	}
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func (t Time) Time() time.Time {
	return time.Time(t)
}
