package store

import "errors"

// ErrNotExist names a missing run directory. Store.ReadJSON and the other
// readers do not return it: they report a missing file or run directory
// as Status Missing.
var ErrNotExist = errors.New("store: run directory does not exist")

// ErrLocked is returned by Lock when another process already holds the
// exclusive lock for a run.
var ErrLocked = errors.New("store: run is locked by another process")

// ErrInvalidRunID is returned when a run id contains path separators or
// is otherwise unsafe to use as a directory component.
var ErrInvalidRunID = errors.New("store: invalid run id")
