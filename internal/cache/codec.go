package cache

import (
	"fmt"

	"github.com/bytedance/sonic"
)

func encodeEntry(e *Entry) ([]byte, error) {
	b, err := sonic.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return b, nil
}

func decodeEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := sonic.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}
	return &e, nil
}
