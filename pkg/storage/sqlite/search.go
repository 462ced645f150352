package sqlite

import (
	"context"
	"fmt"
	"strings"

	internalsql "github.com/pbinitiative/zenbatch/internal/sql"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/storage"
)

// Searches narrow the candidate rows with SQL and hand the filtered set to
// the shared pager, which guarantees the same ordering and cursor semantics
// as the in-memory driver.

func (s *Storage) SearchBatchOperations(ctx context.Context, query storage.SearchQuery[storage.BatchOperationFilter]) (storage.SearchResult[runtime.BatchOperation], error) {
	var res storage.SearchResult[runtime.BatchOperation]
	w := &whereBuilder{}
	w.int64Pred("key", query.Filter.Key)
	w.stringPred("type", query.Filter.Type)
	w.stringPred("state", query.Filter.State)
	w.stringPred("actor_id", query.Filter.ActorId)
	w.timePred("start_date", query.Filter.StartDate)
	w.timePred("end_date", query.Filter.EndDate)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM batch_operation WHERE %s`, batchOperationColumns, w.clause()), w.args...)
	if err != nil {
		return res, fmt.Errorf("failed to search batch operations: %w", err)
	}
	defer rows.Close()

	matches := make([]runtime.BatchOperation, 0)
	for rows.Next() {
		op, err := scanBatchOperation(rows)
		if err != nil {
			return res, err
		}
		matches = append(matches, op)
	}
	if err := rows.Err(); err != nil {
		return res, err
	}
	return storage.SearchPage(matches, query.Sort, query.Page, storage.BatchOperationSortTuple)
}

func (s *Storage) SearchBatchOperationItems(ctx context.Context, query storage.SearchQuery[storage.BatchOperationItemFilter]) (storage.SearchResult[runtime.BatchOperationItem], error) {
	var res storage.SearchResult[runtime.BatchOperationItem]
	w := &whereBuilder{}
	w.int64Pred("batch_operation_key", query.Filter.BatchOperationKey)
	w.int64Pred("item_key", query.Filter.ItemKey)
	w.stringPred("type", query.Filter.Type)
	w.stringPred("state", query.Filter.State)
	w.timePred("processed_date", query.Filter.ProcessedDate)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM batch_operation_item WHERE %s`, batchOperationItemColumns, w.clause()), w.args...)
	if err != nil {
		return res, fmt.Errorf("failed to search batch operation items: %w", err)
	}
	defer rows.Close()

	matches, err := collectItems(rows)
	if err != nil {
		return res, err
	}
	return storage.SearchPage(matches, query.Sort, query.Page, storage.BatchOperationItemSortTuple)
}

func (s *Storage) SearchProcessInstances(ctx context.Context, query storage.SearchQuery[storage.ProcessInstanceFilter]) (storage.SearchResult[runtime.ProcessInstance], error) {
	var res storage.SearchResult[runtime.ProcessInstance]
	w := &whereBuilder{}
	w.int64Pred("key", query.Filter.Key)
	w.stringPred("process_definition_id", query.Filter.ProcessDefinitionId)
	w.int64Pred("process_definition_key", query.Filter.ProcessDefinitionKey)
	w.stringPred("state", query.Filter.State)
	w.timePred("start_date", query.Filter.StartDate)
	w.timePred("end_date", query.Filter.EndDate)
	if query.Filter.BatchOperationKey != nil {
		// reverse index, match instances tagged by a batch operation the
		// predicate accepts
		sub := &whereBuilder{}
		sub.int64Pred("pb.batch_operation_key", query.Filter.BatchOperationKey)
		w.conds = append(w.conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM process_instance_batch_operation pb
			WHERE pb.process_instance_key = process_instance.key AND %s)`, sub.clause()))
		w.args = append(w.args, sub.args...)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM process_instance WHERE %s`, processInstanceColumns, w.clause()), w.args...)
	if err != nil {
		return res, fmt.Errorf("failed to search process instances: %w", err)
	}
	defer rows.Close()

	matches := make([]runtime.ProcessInstance, 0)
	keys := make([]int64, 0)
	for rows.Next() {
		pi, err := scanProcessInstance(rows)
		if err != nil {
			return res, err
		}
		matches = append(matches, pi)
		keys = append(keys, pi.Key)
	}
	if err := rows.Err(); err != nil {
		return res, err
	}

	tags, err := s.fetchBatchOperationKeys(ctx, keys)
	if err != nil {
		return res, err
	}
	for i := range matches {
		matches[i].BatchOperationKeys = tags[matches[i].Key]
	}
	return storage.SearchPage(matches, query.Sort, query.Page, storage.ProcessInstanceSortTuple)
}

// whereBuilder translates the storage predicates into a SQL where clause
// with positional arguments.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) clause() string {
	if len(w.conds) == 0 {
		return "1 = 1"
	}
	return strings.Join(w.conds, " AND ")
}

func (w *whereBuilder) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *whereBuilder) int64Pred(col string, p *storage.Int64Predicate) {
	if p == nil {
		return
	}
	if p.Eq != nil {
		w.add(col+" = ?", *p.Eq)
	}
	if p.Neq != nil {
		w.add(col+" != ?", *p.Neq)
	}
	if len(p.In) > 0 {
		w.addIn(col+" IN", p.In)
	}
	if len(p.NotIn) > 0 {
		w.addIn(col+" NOT IN", p.NotIn)
	}
	if p.Gt != nil {
		w.add(col+" > ?", *p.Gt)
	}
	if p.Gte != nil {
		w.add(col+" >= ?", *p.Gte)
	}
	if p.Lt != nil {
		w.add(col+" < ?", *p.Lt)
	}
	if p.Lte != nil {
		w.add(col+" <= ?", *p.Lte)
	}
}

func (w *whereBuilder) addIn(prefix string, vals []int64) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	w.add(fmt.Sprintf("%s (%s)", prefix, placeholders), args...)
}

func (w *whereBuilder) stringPred(col string, p *storage.StringPredicate) {
	if p == nil {
		return
	}
	if p.Eq != nil {
		w.add(col+" = ?", *p.Eq)
	}
	if p.Neq != nil {
		w.add(col+" != ?", *p.Neq)
	}
	if len(p.In) > 0 {
		w.addInStrings(col+" IN", p.In)
	}
	if len(p.NotIn) > 0 {
		w.addInStrings(col+" NOT IN", p.NotIn)
	}
	if p.Like != nil {
		// GLOB instead of LIKE, sqlite LIKE is case-insensitive for ASCII
		w.add(col+" GLOB ?", likeToGlob(*p.Like))
	}
	if p.Exists != nil {
		if *p.Exists {
			w.add(col + " != ''")
		} else {
			w.add(col + " = ''")
		}
	}
}

func (w *whereBuilder) addInStrings(prefix string, vals []string) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	w.add(fmt.Sprintf("%s (%s)", prefix, placeholders), args...)
}

func (w *whereBuilder) timePred(col string, p *storage.TimePredicate) {
	if p == nil {
		return
	}
	if p.Exists != nil {
		if *p.Exists {
			w.add(col + " IS NOT NULL")
		} else {
			w.add(col + " IS NULL")
		}
	}
	if p.Before != nil {
		w.add(col+" IS NOT NULL AND "+col+" < ?", internalsql.Nanos(*p.Before))
	}
	if p.After != nil {
		w.add(col+" IS NOT NULL AND "+col+" > ?", internalsql.Nanos(*p.After))
	}
}

// likeToGlob rewrites a like pattern (% is the only wildcard) into a GLOB
// pattern, escaping the GLOB metacharacters.
func likeToGlob(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteRune('*')
		case '*', '?', '[':
			b.WriteRune('[')
			b.WriteRune(r)
			b.WriteRune(']')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
