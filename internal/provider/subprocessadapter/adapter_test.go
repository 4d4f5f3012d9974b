package subprocessadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

func testDescriptor() wallbounce.ProviderDescriptor {
	return wallbounce.ProviderDescriptor{ID: "cat-cli", Name: "cat-cli", Vendor: "coreutils", Tier: 1}
}

func TestInvokeEchoesStdinToContent(t *testing.T) {
	a := New(testDescriptor(), "cat", nil)

	resp, err := a.Invoke(context.Background(), wallbounce.Query{Text: "hello from the test"})
	require.NoError(t, err)
	assert.Equal(t, "hello from the test", resp.Content)
	assert.Equal(t, "cat-cli", resp.ProviderID)
	assert.Nil(t, resp.Error)
}

func TestInvokeTimeoutKillsProcessGroup(t *testing.T) {
	a := New(testDescriptor(), "sleep", []string{"5"})
	a.KillGrace = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Invoke(ctx, wallbounce.Query{Text: "irrelevant"})
	require.Error(t, err)

	var werr *wallbounce.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wallbounce.KindAdapterError, werr.Kind)
}

func TestInvokeNonzeroExit(t *testing.T) {
	a := New(testDescriptor(), "false", nil)

	_, err := a.Invoke(context.Background(), wallbounce.Query{Text: "irrelevant"})
	require.Error(t, err)
}

func TestJSONLinesCodec(t *testing.T) {
	a := New(testDescriptor(), "cat", nil)
	a.Codec = CodecJSONLines

	// The CLI echoes stdin, so feed it envelope lines; the last
	// well-formed one wins and malformed lines are skipped.
	input := `not json
{"content":"draft answer","confidence":0.4}
{"content":"final answer","confidence":0.93,"reasoning":"checked twice"}`

	resp, err := a.Invoke(context.Background(), wallbounce.Query{Text: input})
	require.NoError(t, err)
	assert.Equal(t, "final answer", resp.Content)
	assert.Equal(t, 0.93, resp.Confidence)
	assert.Equal(t, "checked twice", resp.Reasoning)
}

func TestJSONLinesCodecNoEnvelope(t *testing.T) {
	a := New(testDescriptor(), "cat", nil)
	a.Codec = CodecJSONLines

	_, err := a.Invoke(context.Background(), wallbounce.Query{Text: "plain text only"})
	var werr *wallbounce.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wallbounce.KindAdapterError, werr.Kind)
}

func TestHealthCheck(t *testing.T) {
	a := New(testDescriptor(), "cat", nil)
	res, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)
}
