package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateUser 用户名或邮箱已存在
	ErrDuplicateUser = errors.New("username or email already exists")

	// ErrDuplicateKey 违反唯一约束
	ErrDuplicateKey = errors.New("duplicate key")
)

// IsDuplicateKeyError reports whether err is a unique-constraint violation.
// The unique indexes on (user_id, idempotency_key), (track_id, variant_index)
// and delivery_id are the single point of truth for the engine's dedup
// guarantees, so callers branch on this instead of pre-checking.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateKey) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}
