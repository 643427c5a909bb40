// Copyright 2024 FrameFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orm wires gorm to the master's MySQL-compatible metastore.
package orm

import (
	"database/sql"
	"time"

	"github.com/framefarm/framefarm/pkg/errors"
	"github.com/pingcap/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// NewGormDB wraps an open *sql.DB into a gorm DB handle. The underlying
// connection is owned by the caller and is not closed here.
func NewGormDB(sqlDB *sql.DB, slowThreshold time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn: sqlDB,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: NewOrmLogger(log.L(),
			WithSlowThreshold(slowThreshold),
			WithIgnoreRecordNotFound()),
	})
	if err != nil {
		return nil, errors.WrapError(errors.ErrMetaOpFail, err)
	}

	return db, nil
}
