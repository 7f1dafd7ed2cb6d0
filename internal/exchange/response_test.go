package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponsePayload(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{"default keeps full body", DefaultResponse(), "Hello :o"},
		{"fit truncates", Response{ContentLength: 5, Body: "Hello :o", FitBody: true}, "Hello"},
		{"fit pads", Response{ContentLength: 10, Body: "Hello :o", FitBody: true}, "Hello :o  "},
		{"fit exact", Response{ContentLength: 8, Body: "Hello :o", FitBody: true}, "Hello :o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.resp.Payload()))
		})
	}
}

func TestResponseParts(t *testing.T) {
	parts := DefaultResponse().Parts(42)
	if assert.Len(t, parts, 3) {
		assert.Equal(t, Head, parts[0].Kind)
		assert.Equal(t, "42", parts[0].Headers[2][1])
		assert.Equal(t, Body, parts[1].Kind)
		assert.Equal(t, End, parts[2].Kind)
	}
}
