package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/retry"
)

func TestConsumerErrorStopsStepRetry(t *testing.T) {
	stop := errors.New("enough")
	calls := 0
	err := stepRetry.Do(context.Background(),
		stepRetryable(context.Background(), context.Background()),
		func() error {
			calls++
			return &yieldError{err: stop}
		})
	// The consumer said stop; re-running the step would re-yield its
	// records.
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, stop)
}

func TestBrowserErrorsStayRetryable(t *testing.T) {
	fast := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := fast.Do(context.Background(),
		stepRetryable(context.Background(), context.Background()),
		func() error {
			calls++
			if calls < 2 {
				return errors.New("net::ERR_TIMED_OUT")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	retryable := stepRetryable(cancelled, context.Background())
	assert.False(t, retryable(errors.New("browser gone")))
}

func TestTypeText(t *testing.T) {
	wf := &domain.BrowserWorkflow{
		Steps: []domain.WorkflowStep{
			{Action: domain.ActionType, Selector: "#q", Parameterized: true},
			{Action: domain.ActionType, Selector: "#user"},
			{Action: domain.ActionType, Selector: "#pass"},
			{Action: domain.ActionType, Selector: "#note", Text: "hi {{username}}"},
		},
		Credentials: &domain.WorkflowCredentials{UsernameSelector: "#user", PasswordSelector: "#pass"},
	}
	params := Parameters{
		Keywords: []string{"quantum", "codes"},
		Username: "alice",
		Password: "s3cret",
	}

	assert.Equal(t, "quantum codes", typeText(wf, &wf.Steps[0], params))
	assert.Equal(t, "alice", typeText(wf, &wf.Steps[1], params))
	assert.Equal(t, "s3cret", typeText(wf, &wf.Steps[2], params))
	assert.Equal(t, "hi alice", typeText(wf, &wf.Steps[3], params))
}
