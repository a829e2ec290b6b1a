package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestGatewayRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := Gateway(context.Background(), fast, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", paymentdomain.NewTransientError("card", "create", context.DeadlineExceeded)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestGatewayStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Gateway(context.Background(), fast, func(context.Context) (int, error) {
		calls++
		return 0, paymentdomain.NewPermanentError("card", "create", "card_declined", "declined")
	})
	assert.True(t, paymentdomain.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestGatewayGivesUpAfterMaxTries(t *testing.T) {
	calls := 0
	_, err := Gateway(context.Background(), fast, func(context.Context) (int, error) {
		calls++
		return 0, paymentdomain.NewTransientError("sbp", "query", errors.New("connection reset"))
	})
	assert.True(t, paymentdomain.IsTransient(err))
	assert.Equal(t, 3, calls)
}
