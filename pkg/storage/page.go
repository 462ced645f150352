package storage

import (
	"slices"
)

// SortTupleFunc builds the sort-key tuple of one entity for the given sort
// specification, see BatchOperationSortTuple and friends.
type SortTupleFunc[T any] func(item T, sort []SortField) ([]SortValue, error)

type decorated[T any] struct {
	item  T
	tuple []SortValue
}

// SearchPage sorts the matched entities by the requested sort keys (entity
// key ascending as the final tie-breaker) and cuts out the requested page.
// Cursors take precedence over the From offset. Drivers narrow the match
// set first, the pager guarantees identical ordering and cursor semantics
// across drivers.
func SearchPage[T any](matches []T, sort []SortField, page Page, tupleOf SortTupleFunc[T]) (SearchResult[T], error) {
	var res SearchResult[T]

	rows := make([]decorated[T], 0, len(matches))
	for _, m := range matches {
		tuple, err := tupleOf(m, sort)
		if err != nil {
			return res, err
		}
		rows = append(rows, decorated[T]{item: m, tuple: tuple})
	}
	slices.SortFunc(rows, func(a, b decorated[T]) int {
		return CompareTuples(a.tuple, b.tuple, sort)
	})

	res.TotalCount = int64(len(rows))

	switch {
	case page.After != "":
		cursor, err := DecodeCursor(page.After)
		if err != nil {
			return res, err
		}
		idx := firstAfter(rows, cursor, sort)
		rows = rows[idx:]
		if page.Limit > 0 && len(rows) > page.Limit {
			rows = rows[:page.Limit]
		}
	case page.Before != "":
		cursor, err := DecodeCursor(page.Before)
		if err != nil {
			return res, err
		}
		idx := firstNotBefore(rows, cursor, sort)
		rows = rows[:idx]
		if page.Limit > 0 && len(rows) > page.Limit {
			rows = rows[len(rows)-page.Limit:]
		}
	default:
		if page.From >= len(rows) {
			rows = nil
			break
		}
		rows = rows[page.From:]
		if page.Limit > 0 && len(rows) > page.Limit {
			rows = rows[:page.Limit]
		}
	}

	res.Items = make([]T, len(rows))
	for i, r := range rows {
		res.Items[i] = r.item
	}
	if len(rows) > 0 {
		res.FirstCursor = EncodeCursor(rows[0].tuple)
		res.LastCursor = EncodeCursor(rows[len(rows)-1].tuple)
	}
	return res, nil
}

// firstAfter returns the index of the first row strictly after the cursor
// position in the total sort order.
func firstAfter[T any](rows []decorated[T], cursor []SortValue, sort []SortField) int {
	lo, hi := 0, len(rows)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareToCursor(rows[mid].tuple, cursor, sort) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// firstNotBefore returns the index of the first row at or after the cursor
// position, rows before that index sort strictly before the cursor.
func firstNotBefore[T any](rows []decorated[T], cursor []SortValue, sort []SortField) int {
	lo, hi := 0, len(rows)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareToCursor(rows[mid].tuple, cursor, sort) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// compareToCursor tolerates cursors issued for a different sort
// specification by comparing only the shared prefix.
func compareToCursor(tuple []SortValue, cursor []SortValue, sort []SortField) int {
	n := min(len(tuple), len(cursor))
	return CompareTuples(tuple[:n], cursor[:n], sort)
}
