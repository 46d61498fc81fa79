package forooshyar

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategorizeError(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorCategory
	}{
		{"database connection refused", CategoryStorage},
		{"sql: no rows in result set", CategoryStorage},
		{"cache miss cascade", CategoryCache},
		{"allowed memory size of 134217728 bytes exhausted", CategoryResourceExhaustion},
		{"context deadline exceeded", CategoryTimeout},
		{"request timed out", CategoryTimeout},
		{"invalid entity payload", CategoryValidation},
		{"missing config key", CategoryConfiguration},
		{"upstream api returned 503", CategoryDownstream},
		{"something odd happened", CategoryUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CategorizeError(errors.New(tc.msg)), tc.msg)
	}
}

func TestCategorizerTakesPrecedence(t *testing.T) {
	// the message says timeout, but the typed category wins
	err := NewCategorizedError(CategoryStorage, errors.New("timeout while writing"))
	require.Equal(t, CategoryStorage, CategorizeError(err))

	// survives wrapping
	wrapped := fmt.Errorf("outer: %w", err)
	require.Equal(t, CategoryStorage, CategorizeError(wrapped))
}

func TestStartErrorsAreCategorized(t *testing.T) {
	require.Equal(t, CategoryConfiguration, CategorizeError(&FeatureDisabledError{}))
	require.Equal(t, CategoryValidation, CategorizeError(&NoWorkFoundError{Kind: JobKindAll}))
	require.Equal(t, CategoryValidation, CategorizeError(&JobAlreadyRunningError{JobID: "x"}))
}
