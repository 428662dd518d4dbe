package paychan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	defer func(b string) { Build = b }(Build)

	Build = ""
	assert.Equal(t, "v0.1.0-dev", Version())
	Build = "4f2a9c1"
	assert.Equal(t, "v0.1.0+4f2a9c1", Version())
}
