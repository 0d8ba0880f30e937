package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadPayload indicates callback data that does not match the
// expected "action:orderID" shape.
var ErrBadPayload = errors.New("bad callback payload")

// ParsePayload extracts the order ID from callback data of the form
// "action:12345". Anything else, including extra separators, missing
// or non-positive IDs, is rejected.
func ParsePayload(data, action string) (int64, error) {
	if !strings.HasPrefix(data, action+":") {
		return 0, fmt.Errorf("%w: %q does not start with %q", ErrBadPayload, data, action+":")
	}
	parts := strings.Split(data, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q has %d parts", ErrBadPayload, data, len(parts))
	}
	idStr := strings.TrimSpace(parts[1])
	if idStr == "" {
		return 0, fmt.Errorf("%w: empty order id in %q", ErrBadPayload, data)
	}
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrBadPayload, idStr)
	}
	if orderID <= 0 {
		return 0, fmt.Errorf("%w: order id must be positive, got %d", ErrBadPayload, orderID)
	}
	return orderID, nil
}

// callbackAction returns the action prefix of callback data, or an
// empty string when there is none.
func callbackAction(data string) string {
	idx := strings.Index(data, ":")
	if idx <= 0 {
		return ""
	}
	return data[:idx]
}
