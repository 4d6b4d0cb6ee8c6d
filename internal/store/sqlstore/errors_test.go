package sqlstore

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		contention bool
	}{
		{"deadlock", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, true},
		{"lock wait timeout", &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, true},
		{"wrapped deadlock", fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1213}), true},
		{"duplicate entry", &mysql.MySQLError{Number: 1062}, false},
		{"domain error", domain.ErrInsufficientFunds, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.contention, errors.Is(got, store.ErrContention))
			assert.ErrorIs(t, got, tt.err, "original error should remain reachable or be returned as is")
		})
	}
	assert.NoError(t, classify(nil))
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, isDuplicate(&mysql.MySQLError{Number: 1062}))
	assert.False(t, isDuplicate(&mysql.MySQLError{Number: 1213}))
	assert.False(t, isDuplicate(errors.New("Duplicate entry")))
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := prepareDSN("user:pw@tcp(127.0.0.1:3306)/exchange", 2500*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "innodb_lock_wait_timeout=2")

	dsn, err = prepareDSN("user:pw@tcp(127.0.0.1:3306)/exchange", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, dsn, "innodb_lock_wait_timeout=1")

	dsn, err = prepareDSN("user:pw@tcp(127.0.0.1:3306)/exchange", 0)
	require.NoError(t, err)
	assert.False(t, strings.Contains(dsn, "innodb_lock_wait_timeout"))

	_, err = prepareDSN("not a dsn", 0)
	assert.Error(t, err)
}
