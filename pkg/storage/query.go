package storage

import (
	"strings"
	"time"
)

// Int64Predicate restricts an int64 field. A nil predicate matches
// everything, multiple set conditions must all hold.
type Int64Predicate struct {
	Eq    *int64
	Neq   *int64
	In    []int64
	NotIn []int64
	Gt    *int64
	Gte   *int64
	Lt    *int64
	Lte   *int64
}

func (p *Int64Predicate) Matches(v int64) bool {
	if p == nil {
		return true
	}
	if p.Eq != nil && v != *p.Eq {
		return false
	}
	if p.Neq != nil && v == *p.Neq {
		return false
	}
	if len(p.In) > 0 && !containsInt64(p.In, v) {
		return false
	}
	if containsInt64(p.NotIn, v) {
		return false
	}
	if p.Gt != nil && v <= *p.Gt {
		return false
	}
	if p.Gte != nil && v < *p.Gte {
		return false
	}
	if p.Lt != nil && v >= *p.Lt {
		return false
	}
	if p.Lte != nil && v > *p.Lte {
		return false
	}
	return true
}

// StringPredicate restricts a string field. Like patterns use % as the
// wildcard. Exists matches non-empty (true) or empty (false) values.
type StringPredicate struct {
	Eq     *string
	Neq    *string
	In     []string
	NotIn  []string
	Like   *string
	Exists *bool
}

func (p *StringPredicate) Matches(v string) bool {
	if p == nil {
		return true
	}
	if p.Eq != nil && v != *p.Eq {
		return false
	}
	if p.Neq != nil && v == *p.Neq {
		return false
	}
	if len(p.In) > 0 && !containsString(p.In, v) {
		return false
	}
	if containsString(p.NotIn, v) {
		return false
	}
	if p.Like != nil && !MatchLike(*p.Like, v) {
		return false
	}
	if p.Exists != nil && *p.Exists != (v != "") {
		return false
	}
	return true
}

// TimePredicate restricts a nullable timestamp field.
type TimePredicate struct {
	Before *time.Time
	After  *time.Time
	Exists *bool
}

func (p *TimePredicate) Matches(v *time.Time) bool {
	if p == nil {
		return true
	}
	if p.Exists != nil && *p.Exists != (v != nil) {
		return false
	}
	if p.Before != nil && (v == nil || !v.Before(*p.Before)) {
		return false
	}
	if p.After != nil && (v == nil || !v.After(*p.After)) {
		return false
	}
	return true
}

// MatchLike reports whether s matches pattern, where % matches any
// (possibly empty) sequence of characters.
func MatchLike(pattern string, s string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, last)
}

// BatchOperationFilter restricts a batch operation search.
type BatchOperationFilter struct {
	Key       *Int64Predicate
	Type      *StringPredicate
	State     *StringPredicate
	ActorId   *StringPredicate
	StartDate *TimePredicate
	EndDate   *TimePredicate
}

// BatchOperationItemFilter restricts a batch operation item search.
type BatchOperationItemFilter struct {
	BatchOperationKey *Int64Predicate
	ItemKey           *Int64Predicate
	Type              *StringPredicate
	State             *StringPredicate
	ProcessedDate     *TimePredicate
}

// ProcessInstanceFilter restricts a process instance search.
// BatchOperationKey serves the reverse index, it matches instances tagged
// by the given batch operation.
type ProcessInstanceFilter struct {
	Key                  *Int64Predicate
	ProcessDefinitionId  *StringPredicate
	ProcessDefinitionKey *Int64Predicate
	State                *StringPredicate
	BatchOperationKey    *Int64Predicate
	StartDate            *TimePredicate
	EndDate              *TimePredicate
}

type SortOrder string

const (
	SortOrderAsc  SortOrder = "ASC"
	SortOrderDesc SortOrder = "DESC"
)

// SortField is one key of a multi-key sort. Implementations always add the
// entity key ascending as the final tie-breaker so the ordering is total.
type SortField struct {
	Field string
	Order SortOrder
}

// Page describes the requested result window. From/Limit is offset style
// paging, After/Before are opaque cursors obtained from a previous
// SearchResult. A cursor takes precedence over From.
type Page struct {
	From   int
	Limit  int
	After  string
	Before string
}

// SearchQuery combines a filter, a sort specification and a page window.
type SearchQuery[F any] struct {
	Filter F
	Sort   []SortField
	Page   Page
}

// SearchResult is one page of matches. TotalCount is the number of entities
// matching the filter regardless of the page window. FirstCursor/LastCursor
// point at the page boundaries and stay valid for the same sort order even
// when entities are written concurrently with paging.
type SearchResult[T any] struct {
	Items       []T
	TotalCount  int64
	FirstCursor string
	LastCursor  string
}

func containsInt64(vs []int64, v int64) bool {
	for _, c := range vs {
		if c == v {
			return true
		}
	}
	return false
}

func containsString(vs []string, v string) bool {
	for _, c := range vs {
		if c == v {
			return true
		}
	}
	return false
}
