package warehouse

import (
	"context"
	"fmt"
)

// insertEach inserts rows one at a time, collecting rejected rows. It is the
// fallback used when a bulk chunk fails because of bad data: the good rows
// still land and only the offending rows are reported. insertOne reports
// whether the row was new.
func insertEach(ctx context.Context, rows []Row, isDataError func(error) bool,
	insertOne func(ctx context.Context, r Row) (bool, error)) (InsertResult, error) {

	var res InsertResult
	for _, r := range rows {
		inserted, err := insertOne(ctx, r)
		switch {
		case err == nil && inserted:
			res.Inserted++
		case err == nil:
			res.Duplicates++
		case isDataError(err):
			res.RowErrors = append(res.RowErrors, RowError{RowID: r.ID, Message: err.Error()})
		default:
			return res, fmt.Errorf("inserting row %s: %w", r.ID, err)
		}
	}
	return res, nil
}
