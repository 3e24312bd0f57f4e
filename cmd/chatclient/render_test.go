package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderer_Plain(t *testing.T) {
	r := newRenderer("Alice", false)

	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "join", line: "Bob has joined the chat.", want: "Bob has joined the chat."},
		{name: "leave", line: "Bob has left the chat.", want: "Bob has left the chat."},
		{name: "own line", line: "Alice: hi", want: "Alice: hi"},
		{name: "peer line", line: "Bob: hello: there", want: "Bob: hello: there"},
		{name: "unknown", line: "no separator", want: "no separator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.render(tt.line))
		})
	}

	assert.Equal(t, "* bye", r.status("bye"))
}

func TestRenderer_Color(t *testing.T) {
	r := newRenderer("Alice", true)

	own := r.render("Alice: hi")
	peer := r.render("Bob: hi")

	assert.Contains(t, own, "\x1b[")
	assert.Contains(t, own, "Alice:")
	assert.Contains(t, peer, "Bob:")
	assert.NotEqual(t, own, peer, "own and peer lines use different colors")
	assert.Contains(t, r.render("Bob has left the chat."), "\x1b[")
}
