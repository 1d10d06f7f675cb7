package wire

import "errors"

// ErrInvalidFrame marks a codec failure or oversize frame; the connection
// carrying it must be torn down.
var ErrInvalidFrame = errors.New("invalid frame")

// ErrAuthFailure marks a bad signature, nonce replay, chain-id mismatch, or
// handshake identity mismatch; the connection must be torn down.
var ErrAuthFailure = errors.New("authentication failure")

// ErrRateLimit marks a per-IP or per-connection limit breach.
var ErrRateLimit = errors.New("rate limit exceeded")
