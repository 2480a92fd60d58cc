package gisgate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/machinefabric/gisgate-go/fault"
)

func TestReexports(t *testing.T) {
	err := fmt.Errorf("load: %w", fault.Path("traversal", "path escapes the allowed roots"))
	assert.True(t, IsKind(err, KindPath))

	fe, ok := AsError(err)
	assert.True(t, ok)
	var direct *Error
	assert.True(t, errors.As(err, &direct))
	assert.Same(t, fe, direct)

	assert.Equal(t, TierExpensive, TierFor("execute_code"))
	assert.Equal(t, TierAuth, TierFor("authenticate"))
}
