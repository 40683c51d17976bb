package omr

import (
	"image"
	"strconv"
	"strings"
)

// Identity is a numeric field read from a digit grid.
type Identity struct {
	// Value has exactly one character per digit position.
	Value string
	// Missing lists positions with no mark; they hold the padding character.
	Missing []int
	// Multiple lists positions with more than one filled digit; they keep the
	// lowest digit.
	Multiple []int
}

// ReadIdentity decodes an identity block whose rows are digit values 0-9 and
// whose columns are digit positions. Each position is decoded independently
// and keeps the first digit in scan order.
func ReadIdentity(img image.Image, r Region, p Params, pad string) Identity {
	digits := make([]int, r.Cols)
	for i := range digits {
		digits[i] = -1
	}
	multiple := make(map[int]bool)

	for _, c := range DetectMarks(img, r.Rows, r.Cols, p) {
		switch d := digits[c.Col]; {
		case d < 0:
			digits[c.Col] = c.Row
		case d != c.Row:
			multiple[c.Col] = true
		}
	}

	var id Identity
	var sb strings.Builder
	for pos, d := range digits {
		if d < 0 {
			sb.WriteString(pad)
			id.Missing = append(id.Missing, pos)
			continue
		}
		sb.WriteString(strconv.Itoa(d))
		if multiple[pos] {
			id.Multiple = append(id.Multiple, pos)
		}
	}
	id.Value = sb.String()
	return id
}
