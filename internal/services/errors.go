package services

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation   = "23505"
	mysqlDuplicateEntry = 1062
	sqliteUniqueFailed  = "UNIQUE constraint failed: "
)

// uniqueRule is a uniqueness constraint on one of the giftbox tables.
type uniqueRule struct {
	table  string
	column string
	// indexes lists the names postgres and mysql report for the rule.
	indexes []string
}

var (
	recordIDRule = uniqueRule{
		table:   "records",
		column:  "id",
		indexes: []string{"records_pkey", "records.PRIMARY", "'PRIMARY'"},
	}
	deliveredRecordRule = uniqueRule{
		table:   "inventory_items",
		column:  "source_record_id",
		indexes: []string{"idx_inventory_items_source_record_id"},
	}
)

// violatedBy reports whether err rejected a write under r. A violation whose
// driver does not name the constraint is attributed to r.
func (r uniqueRule) violatedBy(err error) bool {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return false
	}
	if constraint == "" || strings.Contains(constraint, r.table+"."+r.column) {
		return true
	}
	for _, index := range r.indexes {
		if strings.Contains(constraint, index) {
			return true
		}
	}
	return false
}

// uniqueViolation extracts the constraint a uniqueness violation names, as
// far as the driver reports it.
func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil {
		return pgErr.ConstraintName, pgErr.Code == pgUniqueViolation
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil {
		return myErr.Message, myErr.Number == mysqlDuplicateEntry
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", true
	}

	msg := err.Error()
	if i := strings.Index(msg, sqliteUniqueFailed); i >= 0 {
		return msg[i+len(sqliteUniqueFailed):], true
	}
	return "", false
}
