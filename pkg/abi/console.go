package abi

import (
	"fmt"
	"io"
	"sync"

	"github.com/marmos91/shfs/internal/logger"
)

// Style selects how write output is presented.
type Style uint64

const (
	StyleNormal Style = iota + 1
	StyleInfo
	StyleWarning
	StyleError
	StyleTodo
)

// Mood is the argument of the emoticon call.
type Mood uint64

const (
	MoodHappy Mood = iota + 1
	MoodSad
)

// Console receives program output.
type Console interface {
	Emit(style Style, text string)
	Emote(mood Mood)
}

// LogConsole prints normal output to W and routes styled output through
// the logger.
type LogConsole struct {
	mu sync.Mutex
	W  io.Writer
}

// NewLogConsole returns a console printing normal output to w.
func NewLogConsole(w io.Writer) *LogConsole {
	return &LogConsole{W: w}
}

// Emit implements Console.
func (c *LogConsole) Emit(style Style, text string) {
	switch style {
	case StyleInfo:
		logger.Info("%s", text)
	case StyleWarning:
		logger.Warn("%s", text)
	case StyleError:
		logger.Error("%s", text)
	case StyleTodo:
		logger.Warn("TODO: %s", text)
	default:
		c.mu.Lock()
		defer c.mu.Unlock()
		_, _ = fmt.Fprintln(c.W, text)
	}
}

// Emote implements Console.
func (c *LogConsole) Emote(mood Mood) {
	face := ":)"
	if mood == MoodSad {
		face = ":("
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.W, face)
}
