package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	env := Envelope{
		From: "host1",
		To:   "group1",
		Type: "status",
		Seq:  42,
		Data: MustData(StatusPayload{Code: 0, Board: "generic"}),
	}

	b, err := Encode(env, 0)
	require.NoError(t, err)

	got, err := Decode(b, 0)
	require.NoError(t, err)
	assert.Equal(t, env.From, got.From)
	assert.Equal(t, env.To, got.To)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.Seq, got.Seq)

	sp, err := DecodeStatus(got)
	require.NoError(t, err)
	assert.Equal(t, 0, sp.Code)
	assert.Equal(t, "generic", sp.Board)
}

func TestEncode_OversizeRejected(t *testing.T) {
	t.Parallel()

	env := Envelope{From: "host1", To: "group1", Type: "!whois", Seq: 1}
	_, err := Encode(env, 4)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecode_OversizeRejected(t *testing.T) {
	t.Parallel()

	big := make([]byte, 100)
	_, err := Decode(big, 10)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_MissingRequiredFieldRejected(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing from": `{"to":"group1","type":"status","seq":1}`,
		"missing to":   `{"from":"host1","type":"status","seq":1}`,
		"missing type": `{"from":"host1","to":"group1","seq":1}`,
		"missing seq":  `{"from":"host1","to":"group1","type":"status"}`,
		"empty from":   `{"from":"","to":"group1","type":"status","seq":1}`,
		"invalid json": `not json`,
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(raw), 0)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecode_UnknownTopLevelKeyTolerated(t *testing.T) {
	t.Parallel()

	raw := `{"from":"host1","to":"group1","type":"status","seq":1,"bogus":"ignored"}`
	got, err := Decode([]byte(raw), 0)
	require.NoError(t, err)
	assert.Equal(t, "host1", got.From)
	assert.Equal(t, uint32(1), got.Seq)
}

func TestDecode_NoDataYieldsZeroStatusPayload(t *testing.T) {
	t.Parallel()

	raw := `{"from":"host1","to":"group1","type":"status","seq":1}`
	got, err := Decode([]byte(raw), 0)
	require.NoError(t, err)

	sp, err := DecodeStatus(got)
	require.NoError(t, err)
	assert.Equal(t, StatusPayload{}, sp)
}

func TestIsControl(t *testing.T) {
	t.Parallel()

	assert.True(t, Envelope{Type: "!whois"}.IsControl())
	assert.False(t, Envelope{Type: "status"}.IsControl())
}

func TestMustData_NilYieldsNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, MustData(nil))
}
