package llm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	base := errors.New("boom")
	require.True(t, errors.Is(ClassifyStatus(429, base), ErrRateLimited))
	require.True(t, errors.Is(ClassifyStatus(500, base), ErrProviderError))
	require.Contains(t, ClassifyStatus(500, base).Error(), "boom")
}
