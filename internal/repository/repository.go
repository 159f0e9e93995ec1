// Package repository 提供 Postgres 数据访问（safe_routes、location_tracking、alerts 及联系人相关表）。
package repository

import (
	"database/sql"
	"time"
)

// rowScanner *sql.Row 与 *sql.Rows 的公共接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullBoolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
