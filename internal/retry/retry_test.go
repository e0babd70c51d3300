package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("explorer timed out")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("invalid params")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)
}

func TestClassify_RepresentativeRuntimeErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{
			name:          "context deadline transient",
			err:           context.DeadlineExceeded,
			expectedClass: ClassTransient,
		},
		{
			name:          "context canceled terminal",
			err:           context.Canceled,
			expectedClass: ClassTerminal,
		},
		{
			name:          "explorer 503 transient",
			err:           errors.New("fetch transaction: http status 503: upstream overloaded"),
			expectedClass: ClassTransient,
		},
		{
			name:          "rate limited transient",
			err:           errors.New("http status 429: too many requests"),
			expectedClass: ClassTransient,
		},
		{
			name:          "connection refused transient",
			err:           errors.New("dial tcp: connection refused"),
			expectedClass: ClassTransient,
		},
		{
			name:          "missing wallet terminal",
			err:           errors.New("no active wallet address for currency btc"),
			expectedClass: ClassTerminal,
		},
		{
			name:          "unknown defaults terminal",
			err:           errors.New("unexpected failure"),
			expectedClass: ClassTerminal,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			decision := Classify(tc.err)
			assert.Equal(t, tc.expectedClass, decision.Class)
		})
	}
}

func TestClassify_WrappedMarkerSurvivesWrapping(t *testing.T) {
	inner := Transient(errors.New("tip height fetch failed"))
	wrapped := errors.Join(errors.New("outer"), inner)

	decision := Classify(wrapped)
	assert.True(t, decision.IsTransient())
}
