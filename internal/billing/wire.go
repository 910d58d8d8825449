package billing

import (
	"bufio"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"meterbill/internal/commitment"
	"meterbill/internal/tariff"
)

// maxRows bounds the row count a bill proof may announce.
const maxRows = 1 << 20

// stringifyBytes renders b as decimal byte values, each followed by a space.
func stringifyBytes(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 4)
	for _, c := range b {
		sb.WriteString(strconv.Itoa(int(c)))
		sb.WriteByte(' ')
	}
	return sb.String()
}

// parseStringified is the inverse of stringifyBytes. Extra blanks are tolerated.
func parseStringified(s string) ([]byte, error) {
	fields := strings.Fields(s)
	out := make([]byte, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: byte %d: %q", ErrMalformed, i, f)
		}
		out[i] = byte(n)
	}
	return out, nil
}

// commitmentMessage is the text the meter signs for one reading.
func commitmentMessage(c commitment.Point, hour uint8) []byte {
	return []byte(c.Hex() + " " + strconv.Itoa(int(hour)))
}

func parseCommitmentMessage(msg []byte) (commitment.Point, uint8, error) {
	cHex, hourText, ok := strings.Cut(string(msg), " ")
	if !ok {
		return commitment.Point{}, 0, fmt.Errorf("%w: signed commitment has no hour", ErrMalformed)
	}
	c, err := commitment.ParsePoint(cHex)
	if err != nil {
		return commitment.Point{}, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	hour, err := strconv.Atoi(hourText)
	if err != nil {
		return commitment.Point{}, 0, fmt.Errorf("%w: hour %q", ErrMalformed, hourText)
	}
	if err := tariff.CheckHour(hour); err != nil {
		return commitment.Point{}, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return c, uint8(hour), nil
}

// encodeMeterRecord builds both lines of a meter record.
func encodeMeterRecord(units tariff.Value, a *big.Int, signed []byte) []byte {
	var sb strings.Builder
	sb.WriteString(units.String())
	sb.WriteByte(' ')
	sb.WriteString(a.Text(16))
	sb.WriteByte('\n')
	sb.WriteString(stringifyBytes(signed))
	sb.WriteByte('\n')
	return []byte(sb.String())
}

// parseOpening reads the cleartext line "<cons> <a_hex>".
func parseOpening(v tariff.Variant, line string) (tariff.Value, *big.Int, error) {
	consText, aText, ok := strings.Cut(line, " ")
	if !ok {
		return nil, nil, fmt.Errorf("%w: opening %q", ErrMalformed, line)
	}
	units, err := v.ParseValue(consText)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	a, err := parseScalarHex(aText)
	if err != nil {
		return nil, nil, err
	}
	return units, a, nil
}

func parseScalarHex(s string) (*big.Int, error) {
	a, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("%w: scalar %q", ErrMalformed, s)
	}
	if err := commitment.CheckScalar(a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return a, nil
}

// BillProof is what the customer sends to claim a bill.
type BillProof struct {
	// Bill is the total in the variant's committed units.
	Bill *big.Int
	// Blinding is the aggregate blinding factor modulo the group order.
	Blinding *big.Int
	// Rows are the meter-signed commitments the bill covers.
	Rows [][]byte
}

// Encode renders the proof in wire form.
func (p *BillProof) Encode(v tariff.Variant) []byte {
	var sb strings.Builder
	sb.WriteString(v.FormatBill(p.Bill))
	sb.WriteByte('\n')
	sb.WriteString(p.Blinding.Text(16))
	sb.WriteByte('\n')
	sb.WriteString(strconv.Itoa(len(p.Rows)))
	sb.WriteByte('\n')
	for _, row := range p.Rows {
		sb.WriteString(stringifyBytes(row))
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// DecodeBillProof reads one proof from r. Signatures are not checked here.
func DecodeBillProof(r *bufio.Reader, v tariff.Variant) (*BillProof, error) {
	billLine, err := readLine(r)
	if err != nil {
		return nil, err
	}
	return decodeBillProofAfter(r, v, billLine)
}

func decodeBillProofAfter(r *bufio.Reader, v tariff.Variant, billLine string) (*BillProof, error) {
	bill, err := v.ParseBill(billLine)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := commitment.CheckScalar(bill); err != nil {
		return nil, fmt.Errorf("%w: bill %w", ErrMalformed, err)
	}
	aLine, err := readLine(r)
	if err != nil {
		return nil, err
	}
	a, err := parseScalarHex(aLine)
	if err != nil {
		return nil, err
	}
	countLine, err := readLine(r)
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(countLine)
	if err != nil || n < 0 || n > maxRows {
		return nil, fmt.Errorf("%w: row count %q", ErrMalformed, countLine)
	}
	proof := &BillProof{Bill: bill, Blinding: a, Rows: make([][]byte, 0, min(n, 1024))}
	for i := 0; i < n; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		row, err := parseStringified(line)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		proof.Rows = append(proof.Rows, row)
	}
	return proof, nil
}
