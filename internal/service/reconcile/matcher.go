package reconcile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/LittleKai/alpha-studio-backend/internal/models"
)

type Outcome string

const (
	OutcomeMatched              Outcome = "matched"
	OutcomeNoCodeFound          Outcome = "no_code_found"
	OutcomeNoPendingTransaction Outcome = "no_pending_transaction"
	OutcomeAmountMismatch       Outcome = "amount_mismatch"
)

// Decision is the verdict of the matching step together with a note
// destined for the event log.
type Decision struct {
	Outcome Outcome
	Note    string
}

// Matcher correlates parsed bank notifications with topup transactions.
// It holds no storage and no clock, a decision depends only on its
// arguments, which keeps every branch trivially testable.
type Matcher struct {
	codeRe *regexp.Regexp
}

func NewMatcher(codePrefix string) *Matcher {
	prefix := strings.ToUpper(codePrefix)

	return &Matcher{
		codeRe: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(prefix) + `[A-Z0-9]{6}`),
	}
}

// ExtractCode finds the first transfer code in free bank text. Banks
// lowercase, uppercase and mangle memos unpredictably, so the scan is
// case insensitive and the result is normalized to uppercase. Returns ""
// when the text carries no code.
func (m *Matcher) ExtractCode(text string) string {
	return strings.ToUpper(m.codeRe.FindString(text))
}

// Decide matches a parsed event against the transaction found by its
// code. A nil candidate means no transaction carries the code. Amounts
// must be exactly equal, partial payments are an admin problem.
func (m *Matcher) Decide(parsed models.ParsedData, candidate *models.Transaction) Decision {
	if parsed.Code == "" {
		return Decision{Outcome: OutcomeNoCodeFound, Note: "no transfer code found in description"}
	}

	if candidate == nil {
		return Decision{
			Outcome: OutcomeNoPendingTransaction,
			Note:    fmt.Sprintf("no transaction with code %s", parsed.Code),
		}
	}

	if !candidate.IsPending() {
		return Decision{
			Outcome: OutcomeNoPendingTransaction,
			Note:    fmt.Sprintf("transaction with code %s is %s, not pending", parsed.Code, candidate.Status),
		}
	}

	if parsed.Amount == nil {
		return Decision{Outcome: OutcomeAmountMismatch, Note: "webhook carries no amount"}
	}

	if !parsed.Amount.Equal(candidate.Amount) {
		return Decision{
			Outcome: OutcomeAmountMismatch,
			Note:    fmt.Sprintf("webhook amount %s does not equal expected %s", parsed.Amount, candidate.Amount),
		}
	}

	return Decision{Outcome: OutcomeMatched, Note: fmt.Sprintf("matched by code %s", parsed.Code)}
}
