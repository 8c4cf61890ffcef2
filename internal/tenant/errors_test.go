package tenant_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{tenant.ErrUnavailable, true},
		{fmt.Errorf("store put: %w", tenant.ErrUnavailable), true},
		{fmt.Errorf("store put: %w", tenant.ErrConflict), true},
		{tenant.ErrDenied, false},
		{tenant.ErrNotFound, false},
		{tenant.ErrCorrupt, false},
		{nil, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, tenant.Retryable(c.err), "err=%v", c.err)
	}
}
