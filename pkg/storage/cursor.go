package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SortValue is one component of a sort-key tuple. Values are compared with
// null ordered before everything else, then by the natural order of the
// kind. Int values are carried as full int64, they never pass through a
// float and therefore survive snowflake-sized keys.
type SortValue struct {
	Kind SortValueKind
	Int  int64
	Str  string
	Time time.Time
}

type SortValueKind int

const (
	SortValueNull SortValueKind = iota
	SortValueInt
	SortValueString
	SortValueTime
)

func IntValue(v int64) SortValue {
	return SortValue{Kind: SortValueInt, Int: v}
}

func StringValue(v string) SortValue {
	return SortValue{Kind: SortValueString, Str: v}
}

func TimeValue(v time.Time) SortValue {
	return SortValue{Kind: SortValueTime, Time: v.UTC()}
}

func NullValue() SortValue {
	return SortValue{Kind: SortValueNull}
}

// CompareSortValues returns -1, 0 or 1. Comparing values of different
// non-null kinds is a caller bug and ordered by kind to stay deterministic.
func CompareSortValues(a SortValue, b SortValue) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case SortValueNull:
		return 0
	case SortValueInt:
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		}
		return 0
	case SortValueString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		}
		return 0
	case SortValueTime:
		switch {
		case a.Time.Before(b.Time):
			return -1
		case a.Time.After(b.Time):
			return 1
		}
		return 0
	}
	return 0
}

// cursorValue is the wire form of one SortValue inside an opaque cursor.
type cursorValue struct {
	T string `json:"t"`
	V string `json:"v,omitempty"`
}

// EncodeCursor turns a sort-key tuple (sort values plus the entity key as
// the final tie-breaker) into an opaque page cursor.
func EncodeCursor(tuple []SortValue) string {
	vals := make([]cursorValue, len(tuple))
	for i, v := range tuple {
		switch v.Kind {
		case SortValueNull:
			vals[i] = cursorValue{T: "n"}
		case SortValueInt:
			vals[i] = cursorValue{T: "i", V: strconv.FormatInt(v.Int, 10)}
		case SortValueString:
			vals[i] = cursorValue{T: "s", V: v.Str}
		case SortValueTime:
			vals[i] = cursorValue{T: "d", V: v.Time.UTC().Format(time.RFC3339Nano)}
		}
	}
	data, _ := json.Marshal(vals)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor reverses EncodeCursor. Malformed cursors are a validation
// error of the caller, not a storage failure.
func DecodeCursor(cursor string) ([]SortValue, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedCursor, err)
	}
	var vals []cursorValue
	if err := json.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedCursor, err)
	}
	tuple := make([]SortValue, len(vals))
	for i, v := range vals {
		switch v.T {
		case "n":
			tuple[i] = NullValue()
		case "i":
			iv, err := strconv.ParseInt(v.V, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: value %q: %s", ErrMalformedCursor, v.V, err)
			}
			tuple[i] = IntValue(iv)
		case "s":
			tuple[i] = StringValue(v.V)
		case "d":
			tv, err := time.Parse(time.RFC3339Nano, v.V)
			if err != nil {
				return nil, fmt.Errorf("%w: value %q: %s", ErrMalformedCursor, v.V, err)
			}
			tuple[i] = TimeValue(tv)
		default:
			return nil, fmt.Errorf("%w: value type %q", ErrMalformedCursor, v.T)
		}
	}
	return tuple, nil
}

// CompareTuples orders two sort-key tuples under the given sort
// specification. Trailing components beyond the sort specification carry
// the entity identity and are always compared ascending.
func CompareTuples(a []SortValue, b []SortValue, sort []SortField) int {
	for i := range a {
		c := CompareSortValues(a[i], b[i])
		if c == 0 {
			continue
		}
		if i < len(sort) && sort[i].Order == SortOrderDesc {
			return -c
		}
		return c
	}
	return 0
}
