package stage2

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraudcore/engine/internal/model"
)

func TestParseReasonerTurn_FinalVerdict(t *testing.T) {
	reply := "RECOMMENDATION: BLOCK\nRATIONALE: amount far exceeds baseline and country is new.\nSTAGE2_SCORE: 92\n"
	out, calls, ok := parseReasonerTurn(reply)
	require.True(t, ok)
	require.Empty(t, calls)
	require.Equal(t, model.VerdictBlock, out.Recommendation)
	require.Equal(t, 92.0, out.Stage2Score)
}

func TestParseReasonerTurn_ToolCalls(t *testing.T) {
	reply := `TOOL_CALL: lookup_customer {"customer_id": "cust-1"}
TOOL_CALL: lookup_relationships {"entity_id": "cust-1", "only_active": true}`
	_, calls, ok := parseReasonerTurn(reply)
	require.False(t, ok)
	require.Len(t, calls, 2)
	require.Equal(t, "lookup_customer", calls[0].Name)
	require.Equal(t, "cust-1", calls[0].Args["customer_id"])
}

func TestParseReasonerTurn_UnparseableIsNotOK(t *testing.T) {
	_, calls, ok := parseReasonerTurn("I think this transaction looks fine.")
	require.False(t, ok)
	require.Empty(t, calls)
}

func TestParseReasonerTurn_InvalidVerdictRejected(t *testing.T) {
	reply := "RECOMMENDATION: MAYBE\nRATIONALE: unsure\nSTAGE2_SCORE: 50\n"
	_, _, ok := parseReasonerTurn(reply)
	require.False(t, ok)
}

func TestParseReasonerTurn_MissingScoreDefaultsToFifty(t *testing.T) {
	reply := "RECOMMENDATION: INVESTIGATE\nRATIONALE: not enough signal\n"
	out, _, ok := parseReasonerTurn(reply)
	require.True(t, ok)
	require.Equal(t, 50.0, out.Stage2Score)
}

func TestParseToolCallLine_NoArgs(t *testing.T) {
	req, err := parseToolCallLine("lookup_customer")
	require.NoError(t, err)
	require.Equal(t, "lookup_customer", req.Name)
	require.Empty(t, req.Args)
}

func TestParseToolCallLine_MalformedArgsErrors(t *testing.T) {
	_, err := parseToolCallLine("lookup_customer {not json}")
	require.Error(t, err)
}
