package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/lib/pq"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate row")

// PostgreSQLのSQLSTATEクラス
const (
	pqUniqueViolation       = "23505"
	pqClassIntegrity        = "23"
	pqClassPrivilege        = "42501"
	pqClassConnection       = "08"
	pqClassResource         = "53"
	pqClassOperatorShutdown = "57P"
)

// classify はドライバーのエラーをドメインのエラー分類でラップする。
// opはログとメッセージ用の操作名。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == pqUniqueViolation:
			return fmt.Errorf("%s: %w: %w", op, ErrDuplicate, err)
		case strings.HasPrefix(code, pqClassIntegrity), code == pqClassPrivilege:
			return fmt.Errorf("%s: %w: %w", op, model.ErrWriteRejected, err)
		case strings.HasPrefix(code, pqClassConnection),
			strings.HasPrefix(code, pqClassResource),
			strings.HasPrefix(code, pqClassOperatorShutdown):
			return fmt.Errorf("%s: %w: %w", op, model.ErrNetworkUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrNetworkUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
