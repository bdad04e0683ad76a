//go:build windows

package winpipe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vaporos/splinter/pkg/transport/transporttest"
)

func TestTransport(t *testing.T) {
	transporttest.Exercise(t, New(), "pipe://splinter-exercise")
}

func TestPipePath(t *testing.T) {
	assert.Equal(t, `\\.\pipe\mesh`, pipePath("pipe://mesh"))
	assert.Equal(t, `\\.\pipe\mesh`, pipePath(`pipe://\\.\pipe\mesh`))
}
