package resilience

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(eris.New("document missing type")))
	assert.True(t, IsTransient(NewTransientError(eris.New("rate limited"), 429)))
	assert.True(t, IsTransient(eris.Wrap(NewTransientError(eris.New("gateway"), 502), "fetch")))
	assert.True(t, IsTransient(eris.New("read tcp: i/o timeout")))
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(eris.New("plain failure")))
	assert.True(t, IsPermanent(Permanent(eris.New("unparseable document"))))
	assert.True(t, IsPermanent(eris.Wrap(Permanent(eris.New("gone")), "handler")))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 410} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}
