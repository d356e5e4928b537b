package repo

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the index. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	run, err := repo.GetByRunID(ctx, id)
//	if errors.Is(err, repo.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example re-registering a run_id that is already indexed.
var ErrConflict = errors.New("record already exists")
