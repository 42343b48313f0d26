package storage

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	ErrNoIDs    = errors.New("no ids given")
)
