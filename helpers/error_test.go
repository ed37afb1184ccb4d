package helpers

import (
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()
	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))

	sentinel := errors.New("sentinel")
	err := FoldErrors([]error{nil, errors.Annotate(sentinel, "ctx"), nil})
	assert.Equal(t, sentinel, errors.Cause(err))

	err = FoldErrors([]error{fmt.Errorf("a 100%%"), nil, fmt.Errorf("b")})
	assert.EqualError(t, err, "a 100%\nb")
}
