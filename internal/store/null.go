package store

// nullableInt64 converts a (value, present) pair into a driver-level
// nullable argument.
func nullableInt64(v int64, present bool) *int64 {
	if !present {
		return nil
	}
	return &v
}

// fromNullable reads a scanned nullable column back into a (value, present)
// pair.
func fromNullable(p *int64) (int64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// nullableBytes maps empty payloads to SQL NULL so JSONB columns stay clean.
func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
