package fork

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitStatusNil(t *testing.T) {
	st := exitStatus(nil)
	assert.False(t, st.Signalled)
	assert.EqualValues(t, 0, st.Code)
}

func TestExitStatusNonExitError(t *testing.T) {
	st := exitStatus(errors.New("wait: no child processes"))
	assert.False(t, st.Signalled)
	assert.EqualValues(t, -1, st.Code)
}

func TestEnvSlice(t *testing.T) {
	out := envSlice(map[string]string{"FOO": "bar", "BAZ": "qux"})
	assert.ElementsMatch(t, []string{"FOO=bar", "BAZ=qux"}, out)
}
