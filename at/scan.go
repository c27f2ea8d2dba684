package at

import (
	"fmt"
	"strconv"
	"strings"
)

// Scan extracts the comma separated fields that follow prefix in line into
// dst, in order. Supported destinations are *int, *uint32, *float64 and
// *string; quoted fields have their quotes removed for *string.
//
// The returned count is the number of destinations that were filled. A
// line without the prefix yields (0, ErrNoMatch); a field that does not
// convert yields its index and a *FieldError; a line with fewer fields than
// destinations fills what it can and returns ErrFieldCount.
func Scan(line, prefix string, dst ...any) (int, error) {
	rest, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return 0, ErrNoMatch
	}

	fields := Fields(rest)
	for i, d := range dst {
		if i >= len(fields) {
			return i, fmt.Errorf("%w: want %d, got %d", ErrFieldCount, len(dst), len(fields))
		}
		if err := assign(d, fields[i]); err != nil {
			return i, &FieldError{Index: i, Raw: fields[i], Err: err}
		}
	}
	return len(dst), nil
}

// Fields splits s on commas that are not inside double quotes. Surrounding
// whitespace is trimmed from every field; quotes are kept.
func Fields(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var (
		fields  []string
		inQuote bool
		b       strings.Builder
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == ',' && !inQuote:
			fields = append(fields, strings.TrimSpace(b.String()))
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	return append(fields, strings.TrimSpace(b.String()))
}

// Unquote removes one pair of surrounding double quotes, if present.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func assign(dst any, field string) error {
	switch d := dst.(type) {
	case *string:
		*d = Unquote(field)
	case *int:
		v, err := strconv.Atoi(Unquote(field))
		if err != nil {
			return err
		}
		*d = v
	case *uint32:
		v, err := strconv.ParseUint(Unquote(field), 10, 32)
		if err != nil {
			return err
		}
		*d = uint32(v)
	case *float64:
		v, err := strconv.ParseFloat(Unquote(field), 64)
		if err != nil {
			return err
		}
		*d = v
	default:
		return fmt.Errorf("unsupported destination %T", dst)
	}
	return nil
}
