package models

import "testing"

func TestConflictKeyDistinguishesPathBoundaries(t *testing.T) {
	if ConflictKey("ab", "c") == ConflictKey("a", "bc") {
		t.Fatal("conflict keys collided across change/path boundary")
	}
	if ConflictKey("c1", "src/main.go") != ConflictKey("c1", "src/main.go") {
		t.Fatal("conflict key is not stable")
	}
}
