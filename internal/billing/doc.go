// Package billing implements privacy-preserving smart-meter billing between three
// parties.
//
// Overview:
//   - The Meter commits to every hourly reading with a Pedersen commitment, signs the
//     commitment together with its hour of week, and hands the opening to the Customer
//   - The Customer keeps a ledger of openings, prices it with the current tariff and
//     sends the Provider a bill together with an aggregate blinding factor
//   - The Provider recombines the signed commitments with its own prices and accepts the
//     bill only if the result opens to the declared total
//   - Price tables are pushed by the Provider as signed, timestamped blobs
//
// Each role is driven by one goroutine. Role methods are not safe for concurrent use.
//
// Wire formats:
//
//	meter record:  "<cons> <a_hex>\n<signed bytes>\n"
//	bill proof:    "<bill>\n<a_total_hex>\n<rows>\n" followed by one "<signed bytes>\n" per row
//	price update:  signature || 8-byte big-endian unix seconds || 168 big-endian prices
//
// where <signed bytes> is the signed message "<commitment_hex> <hour>" written as
// decimal byte values, each followed by a single space.
package billing
