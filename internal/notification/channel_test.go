package notification

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateToCodeUnits_LeavesShortBodyUnchanged(t *testing.T) {
	body := "evacuate sector 7 immediately"
	assert.Equal(t, body, truncateToCodeUnits(body, smsBodyLimit))
}

func TestTruncateToCodeUnits_TrimsToExactCodeUnitCount(t *testing.T) {
	body := strings.Repeat("a", 2000)
	out := truncateToCodeUnits(body, smsBodyLimit)
	assert.Len(t, []rune(out), smsBodyLimit)
}

func TestTruncateToCodeUnits_CountsMultiByteRunesAsOneUnit(t *testing.T) {
	body := strings.Repeat("é", 2000) // multi-byte rune, counted as one unit each
	out := truncateToCodeUnits(body, smsBodyLimit)
	assert.Len(t, []rune(out), smsBodyLimit)
}
