package nameindex

import "errors"

var (
	// ErrIndexOverflow indicates the key's bucket is full (or already
	// unindexed). The bucket stays unindexed and lookups for its keys fall
	// back to a tree scan.
	ErrIndexOverflow = errors.New("index bucket overflow")

	// ErrKeyLengthChange indicates a rebuild with a key length other than
	// the one chosen at format time.
	ErrKeyLengthChange = errors.New("index key length cannot change without reformat")

	// ErrCorruptBucket indicates an undecodable bucket.
	ErrCorruptBucket = errors.New("corrupt index bucket")
)
