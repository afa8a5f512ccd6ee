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
	"fmt"
	"time"

	"github.com/harvexio/harvex/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"
)

// Manager defines the unified database interface for managing connections.
type Manager interface {
	// DB returns the primary gorm connection.
	DB() *gorm.DB

	// Close closes all database connections.
	Close() error
}

type managerImpl struct {
	db *gorm.DB
}

func (m *managerImpl) DB() *gorm.DB {
	return m.db
}

func (m *managerImpl) Close() error {
	if m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// stdLogWriter routes gorm SQL echo through the structured log.
type stdLogWriter struct{}

func (stdLogWriter) Printf(format string, args ...any) {
	log.Debugw("sql", "query", fmt.Sprintf(format, args...))
}

// NewManager creates a database manager for the configured driver.
func NewManager(cfg Database) (Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = openConnection(sqlite.Open(cfg.SQLite.Path), cfg)
	default:
		db, err = newMySQLConnection(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeMins) * time.Minute)

	log.Infow("database connected", "driver", cfg.Driver)
	return &managerImpl{db: db}, nil
}

func newMySQLConnection(cfg Database) (*gorm.DB, error) {
	dsn := buildMySQLDSN(cfg.MySQL.User, cfg.MySQL.Password, cfg.MySQL.Host, cfg.MySQL.Port, cfg.MySQL.DBName)
	db, err := openConnection(mysql.Open(dsn), cfg)
	if err != nil {
		return nil, err
	}

	if len(cfg.MySQL.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.MySQL.Replicas))
		for _, r := range cfg.MySQL.Replicas {
			replicas = append(replicas, mysql.Open(r))
		}
		if err := db.Use(dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		})); err != nil {
			return nil, fmt.Errorf("failed to register dbresolver: %w", err)
		}
	}
	return db, nil
}

func openConnection(dialector gorm.Dialector, cfg Database) (*gorm.DB, error) {
	var gormLogger gormlogger.Interface
	if cfg.OutPut {
		gormLogger = gormlogger.New(stdLogWriter{}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Info,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		})
	} else {
		gormLogger = gormlogger.Default.LogMode(gormlogger.Silent)
	}

	return gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dataTablePrefix,
			SingularTable: true,
		},
		// duplicate-key errors translate to gorm.ErrDuplicatedKey so the
		// idempotent-create paths behave identically on mysql and sqlite
		TranslateError: true,
	})
}
