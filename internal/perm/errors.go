package perm

import "errors"

var (
	ErrNotFound    = errors.New("perm: not found")
	ErrValidation  = errors.New("perm: invalid input")
	ErrConcurrency = errors.New("perm: concurrent modification")
	ErrStorage     = errors.New("perm: storage failure")
)
