package ui

import "golang.org/x/term"

// IsTTY reports whether the given file descriptor refers to a terminal.
func IsTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// TermWidth returns the width in columns of the terminal on fd, or 0 when
// fd is not a terminal. The HUD falls back to its default layout on 0.
func TermWidth(fd uintptr) int {
	w, _, err := term.GetSize(int(fd))
	if err != nil || w < 0 {
		return 0
	}
	return w
}
