//go:build !linux && !darwin

package logger

// isTerminal disables colour where no termios query is wired.
func isTerminal(uintptr) bool { return false }
