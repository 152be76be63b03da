package domain

// VerifyOutcome is the terminal state of a presented-secret validation.
type VerifyOutcome string

const (
	VerifyAdmitted    VerifyOutcome = "admitted"
	VerifyNotFound    VerifyOutcome = "not_found"
	VerifyDisabled    VerifyOutcome = "disabled"
	VerifyExpired     VerifyOutcome = "expired"
	VerifyRateLimited VerifyOutcome = "rate_limited"
	VerifyError       VerifyOutcome = "error"
)

// Verification is the validator's answer. Key is populated only when admitted and
// carries metadata only; the secret material is cleared.
type Verification struct {
	Outcome VerifyOutcome
	Key     APIKey
}
