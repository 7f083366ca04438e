package seqdispatch

import (
	"fmt"
	"math"
)

// ResendInvokeAfter is the transport-defined sentinel error code that
// unconditionally means "your invoke-after predecessor is gone, rechain
// and resend" regardless of message text.
const ResendInvokeAfter = -1000

const (
	codeChainBreakGeneric = 400
	msgWaitFailed         = "MSG_WAIT_FAILED"
	msgWaitTimeout        = "MSG_WAIT_TIMEOUT"

	codeTooManyRequests = 429
)

// isChainBreak reports whether the completed query's error matches one
// of the sentinel chain-break shapes: the dedicated sentinel code, or
// code 400 with one of the two wait-failure messages.
func isChainBreak(code int, message string) bool {
	if code == ResendInvokeAfter {
		return true
	}
	if code == codeChainBreakGeneric && (message == msgWaitFailed || message == msgWaitTimeout) {
		return true
	}
	return false
}

// tooManyRequestsMessage formats the synthesized timeout-exhaustion
// error text, rounding the advertised wait up to the nearest second.
func tooManyRequestsMessage(lastTimeout float64) string {
	return fmt.Sprintf("Too Many Requests: retry after %d", int(math.Ceil(lastTimeout)))
}
