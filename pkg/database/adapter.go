// Copyright 2025 Harvex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"context"

	"gorm.io/gorm"
)

// IDatabase is the narrow surface repositories depend on. Transaction
// wraps fn in a single database transaction; the engine relies on it for
// every multi-row atomicity requirement (cursor advance + event append,
// task completion + outbox enqueue).
type IDatabase interface {
	Database() *gorm.DB
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type databaseAdapter struct {
	manager Manager
}

// NewDatabaseAdapter wraps a Manager as IDatabase.
func NewDatabaseAdapter(manager Manager) IDatabase {
	return &databaseAdapter{manager: manager}
}

func (a *databaseAdapter) Database() *gorm.DB {
	return a.manager.DB()
}

func (a *databaseAdapter) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return a.manager.DB().WithContext(ctx).Transaction(fn)
}

// NewFromGorm wraps an existing gorm connection as IDatabase, used by
// tests that open their own in-memory sqlite instance.
func NewFromGorm(db *gorm.DB) IDatabase {
	return &gormAdapter{db: db}
}

type gormAdapter struct {
	db *gorm.DB
}

func (a *gormAdapter) Database() *gorm.DB {
	return a.db
}

func (a *gormAdapter) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return a.db.WithContext(ctx).Transaction(fn)
}
