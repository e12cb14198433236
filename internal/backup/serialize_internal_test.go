package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWalkStack_HoldsDeepestLevel(t *testing.T) {
	for _, depth := range []int{1, 3, 16} {
		stack := newWalkStack(Options{MaxDepth: depth})
		c := cap(stack)
		for range depth + 1 {
			stack = append(stack, frame{})
		}
		assert.Equal(t, c, cap(stack), "depth %d", depth)
	}
}
