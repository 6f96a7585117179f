package store

import "errors"

var (
	errCorruptFrame = errors.New("store: crc mismatch or truncated frame")
	errClosed       = errors.New("store: closed")
	errNoSpace      = errors.New("store: segment has insufficient remaining space")
)
