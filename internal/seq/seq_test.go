package seq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCmp_Wraparound(t *testing.T) {
	assert.Equal(t, -15, Cmp(Number(modulus-10), Number(5)))
}

func TestOff_Wraparound(t *testing.T) {
	assert.Equal(t, 1, Off(Number(modulus-1), Number(0)))
}

func TestInc_Wraparound(t *testing.T) {
	assert.Equal(t, Number(0), Inc(Number(modulus-1)))
}

func TestOff_InverseSymmetry(t *testing.T) {
	cases := []struct{ a, b Number }{
		{0, 0},
		{10, 20},
		{Number(modulus - 1), 5},
		{Number(threshold - 1), 0},
		{1 << 20, 1 << 19},
	}
	for _, c := range cases {
		if Cmp(c.a, c.b) == -threshold {
			// antipodal point has no unique sign; skip.
			continue
		}
		assert.Equal(t, 0, Off(c.a, c.b)+Off(c.b, c.a), "a=%d b=%d", c.a, c.b)
	}
}

func TestIncDec_RoundTrip(t *testing.T) {
	for _, k := range []int{0, 1, 5, 1000, threshold - 1} {
		s := Number(12345)
		assert.Equal(t, s, Inc(Dec(s, k), k), "k=%d", k)
		assert.Equal(t, s, Dec(Inc(s, k), k), "k=%d", k)
	}
}

func TestCmp_CloseValuesDirect(t *testing.T) {
	assert.Equal(t, 5, Cmp(Number(105), Number(100)))
	assert.Equal(t, -5, Cmp(Number(100), Number(105)))
}
