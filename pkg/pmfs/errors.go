package pmfs

import "errors"

// Namespace errors. Core failures (no space, consistency violations) are
// returned as pmerr errors and match the pmerr sentinels.
var (
	ErrNotFound      = errors.New("pmfs: no such file or directory")
	ErrAlreadyExists = errors.New("pmfs: file exists")
	ErrNotDirectory  = errors.New("pmfs: not a directory")
	ErrIsDirectory   = errors.New("pmfs: is a directory")
	ErrNotEmpty      = errors.New("pmfs: directory not empty")
	ErrNameTooLong   = errors.New("pmfs: name too long")
	ErrNotSymlink    = errors.New("pmfs: not a symbolic link")
)
