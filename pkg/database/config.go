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

import "fmt"

const dataTablePrefix = "t_"

// Driver selects the storage engine.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// MySQLConfig holds MySQL connection settings.
type MySQLConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
	DBName   string   `mapstructure:"dbName"`
	Replicas []string `mapstructure:"replicas"` // optional read replica DSNs
}

// SQLiteConfig holds SQLite settings, used for local development and tests.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// Database is the top-level database configuration block.
type Database struct {
	Driver          string       `mapstructure:"driver"`
	MySQL           MySQLConfig  `mapstructure:"mysql"`
	SQLite          SQLiteConfig `mapstructure:"sqlite"`
	MaxOpenConns    int          `mapstructure:"maxOpenConns"`
	MaxIdleConns    int          `mapstructure:"maxIdleConns"`
	ConnMaxLifeMins int          `mapstructure:"connMaxLifeMins"`
	OutPut          bool         `mapstructure:"output"`      // echo SQL to the log
	AutoMigrate     bool         `mapstructure:"autoMigrate"` // dev convenience, schema is managed in production
}

// SetDefaults applies default values to unset fields.
func (c *Database) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMySQL
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 50
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifeMins <= 0 {
		c.ConnMaxLifeMins = 30
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "harvex.db"
	}
}

// Validate checks config validity.
func (c *Database) Validate() error {
	switch c.Driver {
	case DriverMySQL:
		if c.MySQL.Host == "" || c.MySQL.DBName == "" {
			return fmt.Errorf("database: mysql host and dbName are required")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("database: unsupported driver %q", c.Driver)
	}
	return nil
}

func buildMySQLDSN(user, password, host string, port int, dbName string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		user, password, host, port, dbName)
}
