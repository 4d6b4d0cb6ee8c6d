package sqlstore

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/efreitasn/spotexchange/internal/store"
)

// MySQL server error numbers.
const (
	erDupEntry        = 1062
	erLockWaitTimeout = 1205
	erLockDeadlock    = 1213
)

func mysqlErrorNumber(err error) (uint16, bool) {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number, true
	}
	return 0, false
}

// classify maps lock wait timeouts and deadlocks to store.ErrContention so
// the transaction controller retries them. Other errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if n, ok := mysqlErrorNumber(err); ok && (n == erLockDeadlock || n == erLockWaitTimeout) {
		return contention(err)
	}
	return err
}

func isDuplicate(err error) bool {
	n, ok := mysqlErrorNumber(err)
	return ok && n == erDupEntry
}

func contention(err error) error {
	return fmt.Errorf("%w: %w", store.ErrContention, err)
}
