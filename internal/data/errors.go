package data

import (
	"errors"

	"github.com/target/postcron/internal/core"
)

// Shared sentinel errors for data-layer repositories.
var (
	// Post repository sentinels.
	ErrPostNotFound     = core.ErrPostNotFound
	ErrPostNotRetryable = core.ErrPostNotRetryable
	ErrPostNotClaimed   = errors.New("post is not held under the claim token")

	// Credential repository sentinels.
	ErrOwnerIDRequired = errors.New("owner_id is required")
)
