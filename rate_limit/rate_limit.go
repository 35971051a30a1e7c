package rate_limit

// RateLimit defines token per minute (TPM) and request per minute (RPM) limits.
// A zero value means the dimension is unlimited.
type RateLimit struct {
	RPM int // Requests per minute
	TPM int // Tokens per minute
}

// Unbounded reports whether neither dimension is limited
func (r RateLimit) Unbounded() bool {
	return r.RPM <= 0 && r.TPM <= 0
}
