package bot

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxAliasLen     = 32
	defaultGetCount = 4
	maxGetCount     = 10
)

// AddArgs holds the parsed arguments of /add.
type AddArgs struct {
	URL   string
	Alias string
}

// ParseAddArgs parses "<url> <alias>".
func ParseAddArgs(args string) (AddArgs, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return AddArgs{}, fmt.Errorf("usage: /add <url> <alias>")
	}
	if err := ValidateAlias(parts[1]); err != nil {
		return AddArgs{}, err
	}
	return AddArgs{URL: parts[0], Alias: parts[1]}, nil
}

// ValidateAlias checks that an alias is 1 to 32 characters with no spaces.
func ValidateAlias(alias string) error {
	n := utf8.RuneCountInString(alias)
	if n == 0 || n > maxAliasLen {
		return fmt.Errorf("alias must be 1-%d characters", maxAliasLen)
	}
	if strings.ContainsAny(alias, " \t\n") {
		return fmt.Errorf("alias must not contain spaces")
	}
	return nil
}

// ParseAliasArg extracts the single alias argument of /remove.
func ParseAliasArg(args string) (string, error) {
	parts := strings.Fields(args)
	if len(parts) != 1 {
		return "", fmt.Errorf("alias is required")
	}
	return parts[0], nil
}

// ParseGetArgs parses "<alias> [count]". Count defaults to 4 and must be between 1 and 10.
func ParseGetArgs(args string) (string, int, error) {
	parts := strings.Fields(args)
	switch len(parts) {
	case 1:
		return parts[0], defaultGetCount, nil
	case 2:
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 1 || n > maxGetCount {
			return "", 0, fmt.Errorf("count must be between 1 and %d", maxGetCount)
		}
		return parts[0], n, nil
	default:
		return "", 0, fmt.Errorf("usage: /get <alias> [count]")
	}
}
