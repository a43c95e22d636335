package helpers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampInt(t *testing.T) {
	assert.Equal(t, 5, ClampInt(5, 0, 10))
	assert.Equal(t, 0, ClampInt(-3, 0, 10))
	assert.Equal(t, 10, ClampInt(42, 0, 10))
}

func TestClampIntToUint16(t *testing.T) {
	assert.Equal(t, uint16(0), ClampIntToUint16(-1))
	assert.Equal(t, uint16(1234), ClampIntToUint16(1234))
	assert.Equal(t, uint16(math.MaxUint16), ClampIntToUint16(1<<20))
}

func TestClampUint32ToUint16(t *testing.T) {
	assert.Equal(t, uint16(9), ClampUint32ToUint16(9))
	assert.Equal(t, uint16(math.MaxUint16), ClampUint32ToUint16(1<<17))
}

func TestSatAddUint32(t *testing.T) {
	assert.Equal(t, uint32(3), SatAddUint32(1, 2))
	assert.Equal(t, uint32(math.MaxUint32), SatAddUint32(math.MaxUint32, 1))
	assert.Equal(t, uint32(math.MaxUint32), SatAddUint32(math.MaxUint32-1, 5))
}
