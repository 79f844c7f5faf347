// Package sql guards the statements this service assembles from entity names and
// query ids before they are sent to ksqlDB.
package sql

import (
	"fmt"
	"regexp"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`)

// InjectionCheckResult describes why a value was rejected.
type InjectionCheckResult struct {
	IsSQLi      bool
	Fingerprint string
	Value       string
}

// CheckValueForInjection runs libinjection over value.
// Returns nil when no injection pattern is detected.
//
// Example:
//
//	result := CheckValueForInjection("trade_5m_live")
//	// result == nil
//
//	result = CheckValueForInjection("x'; DROP TABLE trade--")
//	// result.IsSQLi == true
func CheckValueForInjection(value string) *InjectionCheckResult {
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		Value:       value,
	}
}

// CheckIdentifier validates an entity name or query id that will be interpolated
// into TERMINATE, DROP or DESCRIBE statements.
func CheckIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", apperrors.ErrUnsafeIdentifier, name)
	}
	if result := CheckValueForInjection(name); result != nil {
		return fmt.Errorf("%w: %q (fingerprint %s)", apperrors.ErrUnsafeIdentifier, name, result.Fingerprint)
	}
	return nil
}

// QuoteIdentifier renders a column or source name as an uppercased backtick-quoted
// identifier so that names colliding with keywords (TIMESTAMP, WINDOW) stay valid.
func QuoteIdentifier(name string) string {
	return "`" + strings.ToUpper(strings.ReplaceAll(name, "`", "")) + "`"
}
