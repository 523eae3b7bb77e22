//go:build !unix

package pmem

import "errors"

// OpenMmap is only available on unix hosts.
func OpenMmap(path string, size uint64) (*Region, error) {
	return nil, errors.New("pmem: file-backed regions require a unix host")
}
