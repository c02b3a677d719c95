package fields

import (
	"context"
	"strings"
	"time"

	"composedb/src/models"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	DateTimeFormatISO  = "iso"
	DateTimeFormatUnix = "unix"

	// Now is replaced with the current time at query time.
	Now = "$now"
)

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DateTimeType stores datetimes as epoch milliseconds and renders them in
// the field's configured format on output.
type DateTimeType struct {
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (d DateTimeType) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d DateTimeType) BeforeQuery(in QueryInput) (interface{}, error) {
	return mapOperands(in.Input, func(v interface{}) (interface{}, error) {
		t, err := d.parse(in.Definition, v)
		if err != nil {
			return nil, err
		}
		return t.UnixMilli(), nil
	})
}

func (d DateTimeType) BeforeSave(_ context.Context, in SaveInput) (interface{}, error) {
	if in.Input == nil {
		return nil, nil
	}
	t, err := d.parse(in.Definition, in.Input)
	if err != nil {
		return nil, err
	}
	return t.UnixMilli(), nil
}

func (d DateTimeType) BeforeOutput(_ context.Context, in OutputInput) (interface{}, error) {
	if in.Input == nil {
		return nil, nil
	}
	t, err := d.parse(models.FieldDefinition{Name: in.Definition.Name}, in.Input)
	if err != nil {
		// Stored values that no longer parse are returned untouched.
		return in.Input, nil
	}

	switch format := in.Definition.Settings.Format; format {
	case "", DateTimeFormatISO:
		return t.UTC().Format("2006-01-02T15:04:05.000Z07:00"), nil
	case DateTimeFormatUnix:
		return t.Unix(), nil
	default:
		return t.UTC().Format(MomentLayout(format)), nil
	}
}

// parse reads a datetime according to the field's format. Numbers are
// epoch milliseconds, or seconds for the unix format.
func (d DateTimeType) parse(def models.FieldDefinition, v interface{}) (time.Time, error) {
	format := def.Settings.Format
	invalid := models.NewParseError(def.Name, v, models.ErrNotAValidDateTime)

	switch value := v.(type) {
	case time.Time:
		return value, nil
	case primitive.DateTime:
		return value.Time(), nil
	case string:
		s := strings.TrimSpace(value)
		if s == Now {
			return d.now(), nil
		}
		switch format {
		case "", DateTimeFormatISO, DateTimeFormatUnix:
			if n, err := cast.ToInt64E(s); err == nil {
				return fromNumber(n, format), nil
			}
			for _, layout := range isoLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t, nil
				}
			}
			return time.Time{}, invalid
		default:
			if t, err := time.Parse(MomentLayout(format), s); err == nil {
				return t, nil
			}
			if n, err := cast.ToInt64E(s); err == nil {
				return fromNumber(n, format), nil
			}
			return time.Time{}, invalid
		}
	case bool, nil:
		return time.Time{}, invalid
	}

	n, err := cast.ToInt64E(v)
	if err != nil {
		return time.Time{}, invalid
	}
	return fromNumber(n, format), nil
}

func fromNumber(n int64, format string) time.Time {
	if format == DateTimeFormatUnix {
		return time.Unix(n, 0)
	}
	return time.UnixMilli(n)
}

var momentTokens = []struct {
	token  string
	layout string
}{
	{"YYYY", "2006"},
	{"YY", "06"},
	{"MMMM", "January"},
	{"MMM", "Jan"},
	{"MM", "01"},
	{"M", "1"},
	{"DD", "02"},
	{"D", "2"},
	{"dddd", "Monday"},
	{"ddd", "Mon"},
	{"HH", "15"},
	{"hh", "03"},
	{"h", "3"},
	{"mm", "04"},
	{"m", "4"},
	{"ss", "05"},
	{"s", "5"},
	{"SSS", "000"},
	{"A", "PM"},
	{"a", "pm"},
	{"ZZ", "-0700"},
	{"Z", "-07:00"},
}

// MomentLayout converts a moment style pattern such as "YYYY-MM-DD HH:mm"
// into a Go time layout. Text inside square brackets is copied verbatim.
func MomentLayout(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		if pattern[i] == '[' {
			end := strings.IndexByte(pattern[i:], ']')
			if end > 0 {
				b.WriteString(pattern[i+1 : i+end])
				i += end + 1
				continue
			}
		}

		matched := false
		for _, t := range momentTokens {
			if strings.HasPrefix(pattern[i:], t.token) {
				b.WriteString(t.layout)
				i += len(t.token)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(pattern[i])
			i++
		}
	}
	return b.String()
}
