package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreserveBigInts_QuotesLongIntegerTokens(t *testing.T) {
	input := `{"id":1234567890123456,"count":5}`
	out := PreserveBigInts([]byte(input))
	assert.JSONEq(t, `{"id":"1234567890123456","count":5}`, string(out))
}

func TestPreserveBigInts_LeavesShortIntegersAlone(t *testing.T) {
	input := `{"id":12345,"count":5}`
	out := PreserveBigInts([]byte(input))
	assert.Equal(t, input, string(out))
}

func TestPreserveBigInts_QuotesNegativeLongIntegers(t *testing.T) {
	input := `{"id":-1234567890123456}`
	out := PreserveBigInts([]byte(input))
	assert.JSONEq(t, `{"id":"-1234567890123456"}`, string(out))
}

func TestPreserveBigInts_LeavesDecimalsAlone(t *testing.T) {
	input := `{"value":123456789012345.5}`
	out := PreserveBigInts([]byte(input))
	assert.Equal(t, input, string(out))
}

func TestPreserveBigInts_LeavesExponentsAlone(t *testing.T) {
	input := `{"value":123456789012345e2}`
	out := PreserveBigInts([]byte(input))
	assert.Equal(t, input, string(out))
}

func TestPreserveBigInts_IgnoresNumbersInsideStrings(t *testing.T) {
	input := `{"text":"call 1234567890123456 now"}`
	out := PreserveBigInts([]byte(input))
	assert.Equal(t, input, string(out))
}

func TestPreserveBigInts_HandlesEscapedQuotesInStrings(t *testing.T) {
	input := `{"text":"she said \"hi 1234567890123456\""}`
	out := PreserveBigInts([]byte(input))
	assert.Equal(t, input, string(out))
}

func TestPreserveBigInts_RoundTripsThroughJSONUnmarshal(t *testing.T) {
	input := `{"id":1234567890123456,"nested":{"other":9876543210987654}}`
	out := PreserveBigInts([]byte(input))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "1234567890123456", decoded["id"])
	nested := decoded["nested"].(map[string]any)
	assert.Equal(t, "9876543210987654", nested["other"])
}
