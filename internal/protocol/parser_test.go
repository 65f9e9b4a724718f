package protocol_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/viewstream/internal/protocol"
	"github.com/arc-self/viewstream/internal/schema"
)

func tradesView(t *testing.T) *schema.View {
	t.Helper()
	v, err := schema.NewView("trades", "pk", []schema.Field{
		{Name: "pk", Type: schema.Int},
		{Name: "px", Type: schema.Float},
		{Name: "symbol", Type: schema.String},
		{Name: "side", Type: schema.EnumType, Enum: &schema.Enum{Name: "side", Values: []string{"buy", "sell"}}},
	})
	require.NoError(t, err)
	return v
}

func TestBuildQueryShape(t *testing.T) {
	v := tradesView(t)
	q := protocol.BuildQuery(v)
	assert.Contains(t, q, "SELECT pk, px, symbol, side FROM trades ENVELOPE UPSERT (KEY (pk)) WITH (SNAPSHOT)")
	assert.Contains(t, q, "COPY (SUBSCRIBE (")
	assert.Contains(t, q, ")) TO STDOUT")
}

func TestParseLineUpsert(t *testing.T) {
	v := tradesView(t)
	ev, reason, err := protocol.ParseLine("5\tupsert\t1\t10.5\tAAPL\tbuy", v)
	require.NoError(t, err)
	require.Empty(t, reason)
	require.NotNil(t, ev)

	assert.Equal(t, uint64(5), ev.Timestamp)
	assert.Equal(t, protocol.Upsert, ev.Op)
	assert.Equal(t, int64(1), ev.Row["pk"])
	assert.Equal(t, 10.5, ev.Row["px"])
	assert.Equal(t, "AAPL", ev.Row["symbol"])
	assert.Equal(t, 0, ev.Row["side"]) // "buy" -> ordinal 0
}

func TestParseLineDelete(t *testing.T) {
	v := tradesView(t)
	ev, _, err := protocol.ParseLine("6\tdelete\t1", v)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, protocol.Delete, ev.Op)
	assert.Equal(t, int64(1), ev.Row["pk"])
}

func TestParseLineNullLiteral(t *testing.T) {
	v := tradesView(t)
	ev, _, err := protocol.ParseLine("5\tupsert\t1\t10.5\t\\N\tbuy", v)
	require.NoError(t, err)
	require.NotNil(t, ev)
	val, present := ev.Row["symbol"]
	assert.True(t, present)
	assert.Nil(t, val)
}

func TestParseLineShortLineIsSkipped(t *testing.T) {
	v := tradesView(t)
	ev, reason, err := protocol.ParseLine("5", v)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, reason)
}

func TestParseLineUnparsableTimestampIsSkipped(t *testing.T) {
	v := tradesView(t)
	ev, reason, err := protocol.ParseLine("notanumber\tupsert\t1", v)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, reason)
}

func TestParseLineMissingTrailingFieldsBecomeAbsent(t *testing.T) {
	v := tradesView(t)
	ev, _, err := protocol.ParseLine("5\tupsert\t1\t10.5", v)
	require.NoError(t, err)
	require.NotNil(t, ev)
	_, hasSymbol := ev.Row["symbol"]
	assert.False(t, hasSymbol)
}

func TestParseLineExtraTrailingFieldsIgnored(t *testing.T) {
	v := tradesView(t)
	ev, _, err := protocol.ParseLine("5\tupsert\t1\t10.5\tAAPL\tbuy\tEXTRA", v)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "AAPL", ev.Row["symbol"])
}

func TestParseLineUnknownEnumValueIsFatal(t *testing.T) {
	v := tradesView(t)
	_, _, err := protocol.ParseLine("5\tupsert\t1\t10.5\tAAPL\thold", v)
	require.Error(t, err)
	var enumErr *protocol.EnumParseError
	assert.ErrorAs(t, err, &enumErr)
}

func TestParseLineMalformedFloatPropagatesNaN(t *testing.T) {
	v := tradesView(t)
	ev, _, err := protocol.ParseLine("5\tupsert\t1\tnotafloat\tAAPL\tbuy", v)
	require.NoError(t, err)
	require.NotNil(t, ev)
	px, _ := ev.Row["px"].(float64)
	assert.True(t, math.IsNaN(px))
}

func TestParseLineMalformedIntegerDrops(t *testing.T) {
	v := tradesView(t)
	ev, reason, err := protocol.ParseLine("5\tupsert\tnotanint\t10.5\tAAPL\tbuy", v)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.NotEmpty(t, reason)
}
