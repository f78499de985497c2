package term_test

import (
	"testing"

	"github.com/JJ-8/ptwalk/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	// Test runners detach stdin from the terminal.
	if term.IsTerminal() {
		t.Fatalf("it is not terminal")
	}
}
