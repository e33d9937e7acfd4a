package storage

import "errors"

// ErrCorruptRecord is returned when a journal line cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt journal record")
