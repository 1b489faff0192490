package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIDArg extracts a numeric ID from a command argument string. A leading
// Q, S, or # as printed in replies is accepted.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("ID is required")
	}
	first := strings.TrimLeft(strings.Fields(s)[0], "#QqSs")
	id, err := strconv.ParseInt(first, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid ID %q", s)
	}
	return id, nil
}
