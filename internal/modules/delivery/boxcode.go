// README: Box code format B{batchNumber}-{stopSequence}.
package delivery

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var boxCodePattern = regexp.MustCompile(`^B(\d+)-(\d+)$`)

func FormatBoxCode(batchNumber, sequence int) string {
	return fmt.Sprintf("B%d-%d", batchNumber, sequence)
}

// NormalizeBoxCode trims and upper-cases scanner input for storage and comparison.
func NormalizeBoxCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ParseBoxCode returns the batch number and stop sequence encoded in code.
func ParseBoxCode(code string) (batchNumber, sequence int, err error) {
	m := boxCodePattern.FindStringSubmatch(NormalizeBoxCode(code))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: malformed box code %q", ErrNotFound, code)
	}
	batchNumber, _ = strconv.Atoi(m[1])
	sequence, _ = strconv.Atoi(m[2])
	return batchNumber, sequence, nil
}
