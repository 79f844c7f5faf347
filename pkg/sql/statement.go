package sql

import (
	"errors"
	"strings"
)

var (
	// ErrMultipleStatements indicates the text contains more than one statement.
	ErrMultipleStatements = errors.New("multiple statements not allowed; only single statements are permitted")

	// ErrEmptyStatement indicates the text is blank.
	ErrEmptyStatement = errors.New("empty statement")
)

// SingleStatement checks that text holds exactly one statement and returns it
// terminated by a single semicolon, as ksqlDB expects.
//
// The validation order is:
// 1. Strip trailing semicolon and whitespace
// 2. Reject any remaining semicolon outside string literals
func SingleStatement(text string) (string, error) {
	normalized := stripTrailingSemicolon(strings.TrimSpace(text))
	if normalized == "" {
		return "", ErrEmptyStatement
	}
	if hasSemicolonOutsideStrings(normalized) {
		return "", ErrMultipleStatements
	}
	return normalized + ";", nil
}

// hasSemicolonOutsideStrings returns true if the text contains any semicolon
// outside of string literals or quoted identifiers.
func hasSemicolonOutsideStrings(text string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
		stateBacktick
	)

	state := stateNormal
	prevChar := rune(0)

	for _, char := range text {
		switch state {
		case stateNormal:
			switch char {
			case ';':
				return true
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			case '`':
				state = stateBacktick
			}
		case stateSingleQuote:
			// '' re-enters immediately on the next quote
			if char == '\'' && prevChar != '\\' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if char == '"' && prevChar != '\\' {
				state = stateNormal
			}
		case stateBacktick:
			if char == '`' {
				state = stateNormal
			}
		}
		prevChar = char
	}

	return false
}

func stripTrailingSemicolon(text string) string {
	text = strings.TrimRight(text, " \t\n\r")
	for strings.HasSuffix(text, ";") {
		text = strings.TrimRight(strings.TrimSuffix(text, ";"), " \t\n\r")
	}
	return text
}
