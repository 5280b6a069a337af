package store

import "errors"

var (
	ErrEmptyUserID  = errors.New("user id required")
	ErrEmptyEventID = errors.New("event id required")
)
