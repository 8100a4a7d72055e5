package rules

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	identifierPattern  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	countFilterPattern = regexp.MustCompile(`^(=|<>|!=|<=|>=|<|>)\s*[0-9]+$`)
)

// maxIdentifierLength keeps generated names within the PostgreSQL limit
const maxIdentifierLength = 63

// validateIdentifier validates a table or variable name
// Must match ^[a-zA-Z_][a-zA-Z0-9_]*$, cannot be a reserved keyword and must be 1-63 characters
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}

	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

// validateCountFilter accepts a comparison against an integer such as "> 10"
func validateCountFilter(filter string) error {
	if filter == "" {
		return nil
	}
	if !countFilterPattern.MatchString(strings.TrimSpace(filter)) {
		return fmt.Errorf("invalid count filter %q (expected comparison operator followed by a number)", filter)
	}
	return nil
}

// isReservedKeyword checks names that would collide with SQL or built-in tables
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		"select": true,
		"from":   true,
		"where":  true,
		"table":  true,
		"group":  true,
		"order":  true,
		"limit":  true,
		"union":  true,
		"insert": true,
		"delete": true,
		"update": true,
		"drop":   true,
		"create": true,
		"join":   true,
		"as":     true,
		// Metadata tables a virtual table must never shadow
		"file":                    true,
		"cached_file":             true,
		"rule":                    true,
		"cmdlet":                  true,
		"storage_policy":          true,
		"access_count_table":      true,
		"blank_access_count_info": true,
		"file_access_event":       true,
	}

	return reservedKeywords[strings.ToLower(name)]
}
