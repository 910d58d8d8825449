package billing

import "errors"

// Protocol failures. Every error a role returns wraps one of these (or a tariff
// validation error) so callers can classify it with errors.Is.
var (
	// ErrAuthentication means a received record did not carry a valid signature of the
	// expected sender, or the opening it came with does not match what was signed.
	ErrAuthentication = errors.New("billing: authentication failed")
	// ErrStalePrices means a signed price update lies outside the freshness window.
	ErrStalePrices = errors.New("billing: stale price update")
	// ErrNegativePrice means a signed price update carried a negative price.
	ErrNegativePrice = errors.New("billing: negative price")
	// ErrBillRejected means the recombined commitments do not open to the declared bill.
	ErrBillRejected = errors.New("billing: bill rejected")
	// ErrMalformed means a message did not follow the wire format.
	ErrMalformed = errors.New("billing: malformed message")
	// ErrTransport means the channel failed; framing cannot be recovered afterwards.
	ErrTransport = errors.New("billing: transport failure")
	// ErrShortWrite means only part of a message reached the channel.
	ErrShortWrite = errors.New("billing: short write")
	// ErrNoMessage means a blocking receive ended without any message.
	ErrNoMessage = errors.New("billing: no message")
)

// Fatal reports whether err leaves the role unable to continue safely: the peer is
// not authentic, the prices are not fresh, or the channel framing is lost. A
// rejected bill is not fatal to the provider.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrStalePrices) ||
		errors.Is(err, ErrNegativePrice) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrShortWrite)
}
