package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeMethod(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		input  []byte
		expect string
		err    bool
	}
	cases := []Case{
		{"plain", []byte("displayAlert"), "displayAlert", false},
		{"c-string", []byte("reboot\x00\x01\x02"), "reboot", false},
		{"empty", []byte{}, "", true},
		{"nul-only", []byte{0}, "", true},
		{"invalid-utf8", []byte{0xc3, 0x28}, "", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			payload := []byte(`{"a":1}`)
			call := DecodeMethod(c.input, payload)
			payload[0] = 'X'
			assert.Equal(t, c.expect, call.Name)
			assert.Equal(t, `{"a":1}`, string(call.Payload))
			if c.err {
				assert.True(t, IsCause(call.Err, ErrInvalidArgument))
			} else {
				assert.NoError(t, call.Err)
			}
		})
	}
}

func TestDecodeTwin(t *testing.T) {
	t.Parallel()

	buf := []byte(`{"desired":{"$version":1}}`)
	u := DecodeTwin(TwinComplete, buf)
	buf[0] = 0
	assert.Equal(t, TwinComplete, u.State)
	assert.Equal(t, `{"desired":{"$version":1}}`, string(u.Payload))

	assert.Nil(t, DecodeTwin(TwinPartial, nil).Payload)
}
