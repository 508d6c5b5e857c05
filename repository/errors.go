package repository

import "errors"

// ErrVersionConflict is returned when an optimistic-lock update matched no
// row: another writer changed the song since it was read. Callers re-read
// and retry (the reconciler simply picks the song up again next cycle).
var ErrVersionConflict = errors.New("song row version conflict")
