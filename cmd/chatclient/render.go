package main

import (
	"strings"

	"github.com/fatih/color"
)

const (
	joinedSuffix = " has joined the chat."
	leftSuffix   = " has left the chat."
)

type renderer struct {
	self     string
	announce *color.Color
	own      *color.Color
	peer     *color.Color
	info     *color.Color
}

func newRenderer(self string, colorize bool) *renderer {
	r := &renderer{
		self:     self,
		announce: color.New(color.FgYellow, color.Italic),
		own:      color.New(color.FgGreen, color.Bold),
		peer:     color.New(color.FgCyan, color.Bold),
		info:     color.New(color.Faint),
	}

	for _, c := range []*color.Color{r.announce, r.own, r.peer, r.info} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	return r
}

// render colors announcements as a whole and chat lines by their sender.
func (r *renderer) render(line string) string {
	if strings.HasSuffix(line, joinedSuffix) || strings.HasSuffix(line, leftSuffix) {
		return r.announce.Sprint(line)
	}

	sender, text, ok := strings.Cut(line, ": ")
	if !ok {
		return line
	}

	c := r.peer
	if sender == r.self {
		c = r.own
	}

	return c.Sprint(sender+":") + " " + text
}

func (r *renderer) status(msg string) string {
	return r.info.Sprint("* " + msg)
}
