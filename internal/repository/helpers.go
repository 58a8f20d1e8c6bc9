package repository

import (
	"database/sql"
	"errors"
	"fmt"
)

// HandleNotFound turns sql.ErrNoRows into a nil result without error, so a
// caller rendering a USSD menu can show a "none yet" line instead of failing.
// Other errors are wrapped with the lookup name.
func HandleNotFound[T any](lookup string, result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", lookup, err)
	}
	return result, nil
}
