// ABOUTME: Tests for address parsing, payload validation and signing bytes
// ABOUTME: Signing bytes must be stable across payload key order

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "alice@example.com", want: "alice@example.com"},
		{in: "  Alice@Example.COM ", want: "alice@example.com"},
		{in: "bot.v2_x-1@a.b.c", want: "bot.v2_x-1@a.b.c"},
		{in: "alice", wantErr: true},
		{in: "@example.com", wantErr: true},
		{in: "alice@", wantErr: true},
		{in: ".alice@example.com", wantErr: true},
		{in: "alice@exa mple.com", wantErr: true},
		{in: "alice@-bad.com", wantErr: true},
		{in: "alice@example..com", wantErr: true},
		{in: "al ice@example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddressParts(t *testing.T) {
	a, err := NewAddress("bob", "mesh.local")
	require.NoError(t, err)
	assert.Equal(t, "bob", a.Name())
	assert.Equal(t, "mesh.local", a.Domain())
	assert.Equal(t, "bob@mesh.local", a.String())
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload([]byte(` {"type":"text","body":"hi"} `))
	require.NoError(t, err)
	assert.Equal(t, "text", p.Type())

	for _, bad := range []string{``, `[]`, `"text"`, `{}`, `{"type":""}`, `{"type":3}`, `{"type":`} {
		_, err := ParsePayload([]byte(bad))
		assert.ErrorIs(t, err, ErrInvalidPayload, "input %q", bad)
	}
}

func TestPayload_JSONRoundTripInsideStruct(t *testing.T) {
	var msg struct {
		Payload Payload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"payload":{"type":"task","n":1}}`), &msg))
	assert.Equal(t, "task", msg.Payload.Type())

	err := json.Unmarshal([]byte(`{"payload":{"n":1}}`), &msg)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func testEnvelope() *Envelope {
	return &Envelope{
		Version:   Version,
		ID:        "01HZX",
		From:      "alice@alpha.example.com",
		To:        "bob@alpha.example.com",
		Subject:   "hello",
		Priority:  PriorityNormal,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEnvelopeValidate(t *testing.T) {
	require.NoError(t, testEnvelope().Validate())

	env := testEnvelope()
	env.Priority = "whenever"
	assert.ErrorIs(t, env.Validate(), ErrInvalidEnvelope)

	env = testEnvelope()
	env.To = "nobody"
	assert.ErrorIs(t, env.Validate(), ErrInvalidEnvelope)

	env = testEnvelope()
	env.ID = ""
	assert.ErrorIs(t, env.Validate(), ErrInvalidEnvelope)
}

func TestSigningBytes(t *testing.T) {
	env := testEnvelope()

	a, err := SigningBytes(env, Payload(`{"type":"text","a":1,"b":2}`))
	require.NoError(t, err)
	b, err := SigningBytes(env, Payload(`{"b":2,"type":"text","a":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "payload key order must not matter")

	env.Signature = "sig"
	c, err := SigningBytes(env, Payload(`{"type":"text","a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, a, c, "signature must not be covered")

	env.Subject = "changed"
	d, err := SigningBytes(env, Payload(`{"type":"text","a":1,"b":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}
