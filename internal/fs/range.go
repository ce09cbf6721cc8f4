package fs

// ClampRange maps a requested (offset, limit) onto a file of the given size.
//
// The limit is a byte count, not an end offset. The result covers exactly
// min(limit, size-offset) bytes starting at offset; an offset at or past the
// end yields an empty range rather than an error. Nothing is ever padded.
//
// Examples for a 24-byte file:
//
//	ClampRange(24, 0, 12)        -> start 0,  length 12
//	ClampRange(24, 13, Unlimited) -> start 13, length 11
//	ClampRange(24, 123, 123)     -> start 24, length 0
func ClampRange(size, offset, limit int64) (start, length int64, err error) {
	if offset < 0 || limit < 0 {
		return 0, 0, ErrBadRange
	}
	if offset >= size {
		return size, 0, nil
	}
	length = size - offset
	if limit < length {
		length = limit
	}
	return offset, length, nil
}
