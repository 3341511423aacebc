package appErrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, Bounce, Classify(fmt.Errorf("send: %w", NewBounce(errors.New("550")))))
	assert.Equal(t, Permanent, Classify(NewPermanent(errors.New("554"))))
	assert.Equal(t, Transient, Classify(NewTransient(errors.New("421"))))
	assert.Equal(t, Transient, Classify(errors.New("connection reset")))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NewConfigError("timezone", "unknown"), http.StatusUnprocessableEntity},
		{NewCampaignNotFound(4), http.StatusNotFound},
		{fmt.Errorf("get: %w", ErrMessageNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: campaign 1", ErrStartConflict), http.StatusConflict},
		{ErrInvalidState, http.StatusConflict},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "%v", tc.err)
	}
}
