package sql

import (
	"database/sql"
	"time"

	"github.com/pbinitiative/zenbatch/pkg/ptr"
)

// ToNullNanos converts an optional timestamp into its unix-nanosecond
// column representation.
func ToNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Valid: true, Int64: t.UnixNano()}
}

func Nanos(t time.Time) int64 {
	return t.UnixNano()
}

func TimeFromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

func TimePtrFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	return ptr.To(time.Unix(0, n.Int64))
}
