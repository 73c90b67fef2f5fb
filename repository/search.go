package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/attid/eurmtl/transaction"
)

const maxSearchLimit = 100

// SearchQuery narrows the transaction listing. Zero values do not filter.
type SearchQuery struct {
	Text            string
	State           *uint8
	SourceAccount   string
	OwnerID         string
	SignerPublicKey string
	Limit           int
	Offset          int
}

// SearchTransactions returns paginated transaction summaries with the
// aggregate count of non hidden signatures, newest first.
func (db DataBase) SearchTransactions(ctx context.Context, q SearchQuery) ([]transaction.Summary, error) {
	if q.Limit <= 0 || q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Text != "" {
		p := arg("%" + q.Text + "%")
		conditions = append(conditions, fmt.Sprintf("(t.description ILIKE %s OR t.hash ILIKE %s)", p, p))
	}
	if q.State != nil {
		conditions = append(conditions, "t.state = "+arg(*q.State))
	}
	if q.SourceAccount != "" {
		conditions = append(conditions, "t.source_account = "+arg(q.SourceAccount))
	}
	if q.OwnerID != "" {
		conditions = append(conditions, "t.owner_id = "+arg(q.OwnerID))
	}
	if q.SignerPublicKey != "" {
		conditions = append(conditions, "t.resolved_sources::text LIKE "+arg("%"+q.SignerPublicKey+"%"))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT t.hash, t.uuid, t.description, t.state, t.source_account, t.owner_id, t.add_dt,
			(SELECT count(*) FROM signatures s WHERE s.transaction_hash = t.hash AND NOT s.hidden) AS signature_count
			FROM transactions t
			%s
			ORDER BY t.add_dt DESC
			LIMIT %s OFFSET %s`,
		where, arg(q.Limit), arg(q.Offset))

	rows, err := db.inner.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	defer rows.Close()

	var summaries []transaction.Summary
	for rows.Next() {
		var s transaction.Summary
		err := rows.Scan(&s.Hash, &s.UUID, &s.Description, &s.State, &s.SourceAccount, &s.OwnerID, &s.AddDt, &s.SignatureCount)
		if err != nil {
			return nil, errors.Join(ErrScanFailed, err)
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}
