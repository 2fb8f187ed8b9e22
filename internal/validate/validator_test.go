package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsernameAcceptsValidNames(t *testing.T) {
	v := New(Config{})
	for _, name := range []string{"alice", "Bob_99", "user.name", "a-b", "ab"} {
		res := v.Username(name)
		assert.True(t, res.OK, "expected %q to be accepted: %v", name, res.Errors)
		assert.Equal(t, name, res.Sanitized)
	}
}

func TestUsernameRejections(t *testing.T) {
	v := New(Config{})
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"too short", "a"},
		{"bad charset", "alice!"},
		{"space inside", "al ice"},
		{"reserved", "admin"},
		{"reserved mixed case", "SeRvEr"},
		{"purely numeric", "12345"},
		{"only punctuation", "_.-"},
		{"script injection", "<script>x"},
		{"event handler", "onclick=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Username(tt.input)
			assert.False(t, res.OK)
			assert.NotEmpty(t, res.Errors)
		})
	}
}

func TestUsernameLengthBoundary(t *testing.T) {
	v := New(Config{MaxUsernameLength: 10})

	exact := strings.Repeat("a", 10)
	assert.True(t, v.Username(exact).OK)

	over := strings.Repeat("a", 11)
	assert.False(t, v.Username(over).OK)
}

func TestUsernameWarnings(t *testing.T) {
	v := New(Config{})

	res := v.Username("  alice  ")
	require.True(t, res.OK)
	assert.Equal(t, "alice", res.Sanitized)
	assert.NotEmpty(t, res.Warnings)

	res = v.Username(".hidden")
	require.True(t, res.OK)
	assert.NotEmpty(t, res.Warnings)
}

func TestMessageLengthBoundary(t *testing.T) {
	v := New(Config{MaxMessageLength: 20})

	exact := strings.Repeat("a", 20)
	assert.True(t, v.Message(exact).OK)

	over := strings.Repeat("a", 21)
	assert.False(t, v.Message(over).OK)
}

func TestMessageRejectsInjection(t *testing.T) {
	v := New(Config{})
	for _, input := range []string{
		"<script>alert(1)</script>",
		"click javascript:alert(1)",
		"x onload=steal()",
		`literal \x41 escape`,
		`literal \u0041 escape`,
		"control\x01char",
	} {
		res := v.Message(input)
		assert.False(t, res.OK, "expected %q rejected", input)
	}
}

func TestMessageSanitization(t *testing.T) {
	v := New(Config{})

	res := v.Message("a  <b>  &  c")
	require.True(t, res.OK)
	assert.Equal(t, "a &lt;b&gt; &amp; c", res.Sanitized)

	// Zero-width characters vanish, whitespace runs collapse.
	res = v.Message("he​llo   world\t!")
	require.True(t, res.OK)
	assert.Equal(t, "hello world !", res.Sanitized)
}

func TestMessagePipeIsWarningOnly(t *testing.T) {
	v := New(Config{})
	res := v.Message("a|b")
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.Warnings)
	assert.Equal(t, "a|b", res.Sanitized)
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"plain text",
		"a < b > c & d",
		"  padded   and\tspaced  ",
		"already &lt;escaped&gt; &amp; fine",
		"zero​width\uFEFFstuff",
	}
	for _, in := range inputs {
		once := SanitizeMessage(in)
		twice := SanitizeMessage(once)
		assert.Equal(t, once, twice, "sanitize not idempotent for %q", in)
	}
}

func TestCommandValidation(t *testing.T) {
	v := New(Config{})

	res := v.Command("/quit")
	assert.True(t, res.OK)
	assert.Equal(t, "/quit", res.Sanitized)

	res = v.Command("/help now please")
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.Warnings)

	res = v.Command("/nick alice")
	assert.True(t, res.OK)
	assert.Equal(t, "/nick alice", res.Sanitized)

	res = v.Command("/nick admin")
	assert.False(t, res.OK)

	res = v.Command("/nick")
	assert.False(t, res.OK)

	res = v.Command("/dance")
	assert.False(t, res.OK)

	res = v.Command("quit")
	assert.False(t, res.OK)
}
