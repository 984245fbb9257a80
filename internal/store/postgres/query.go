package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// listQuery accumulates WHERE clauses and positional arguments.
type listQuery struct {
	sb   strings.Builder
	args []any
}

func newListQuery(base string) *listQuery {
	q := &listQuery{}
	q.sb.WriteString(base)
	q.sb.WriteString(" WHERE 1=1")
	return q
}

// where appends "AND <clause>" where clause holds a single %d placeholder
// for the next argument index.
func (q *listQuery) where(clause string, arg any) {
	q.args = append(q.args, arg)
	q.sb.WriteString(" AND ")
	q.sb.WriteString(fmt.Sprintf(clause, len(q.args)))
}

func (q *listQuery) window(col string, since, until *time.Time) {
	if since != nil {
		q.where(col+" >= $%d", *since)
	}
	if until != nil {
		q.where(col+" <= $%d", *until)
	}
}

func (q *listQuery) order(clause string) {
	q.sb.WriteString(" ORDER BY ")
	q.sb.WriteString(clause)
}

func (q *listQuery) page(opts domain.ListOpts) {
	if opts.Limit > 0 {
		q.args = append(q.args, opts.Limit)
		q.sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(q.args)))
	}
	if opts.Offset > 0 {
		q.args = append(q.args, opts.Offset)
		q.sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(q.args)))
	}
}

func (q *listQuery) String() string { return q.sb.String() }
