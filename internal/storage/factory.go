package storage

import (
	"fmt"

	"github.com/labflow/protocol-engine/pkg/storage"
	"github.com/labflow/protocol-engine/pkg/storage/mysql"
	"github.com/labflow/protocol-engine/pkg/storage/postgres"
	pkgsqlite "github.com/labflow/protocol-engine/pkg/storage/sqlite"
)

// DatabaseFactory 数据库工厂接口（内部使用）
type DatabaseFactory interface {
	// CreateAnalysisRepo 创建分析历史Repository
	CreateAnalysisRepo() (storage.AnalysisRepository, error)
	// Close 关闭数据库连接
	Close() error
}

// NewDatabaseFactory 创建数据库工厂（内部方法）
// dbType: 数据库类型（sqlite/mysql/postgres）
// dsn: 数据库连接字符串
func NewDatabaseFactory(dbType, dsn string) (DatabaseFactory, error) {
	switch dbType {
	case "sqlite":
		return newSQLiteFactory(dsn)
	case "mysql":
		return newMySQLFactory(dsn)
	case "postgres", "postgresql":
		return newPostgresFactory(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// sqliteFactory SQLite数据库工厂（内部实现）
type sqliteFactory struct {
	repo storage.AnalysisRepository
}

func newSQLiteFactory(dsn string) (*sqliteFactory, error) {
	repo, err := pkgsqlite.NewAnalysisRepoFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("create sqlite repository failed: %w", err)
	}
	return &sqliteFactory{repo: repo}, nil
}

func (f *sqliteFactory) CreateAnalysisRepo() (storage.AnalysisRepository, error) {
	return f.repo, nil
}

func (f *sqliteFactory) Close() error {
	return f.repo.Close()
}

// mysqlFactory MySQL数据库工厂（内部实现）
type mysqlFactory struct {
	repo storage.AnalysisRepository
}

func newMySQLFactory(dsn string) (*mysqlFactory, error) {
	repo, err := mysql.NewAnalysisRepoFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("create mysql repository failed: %w", err)
	}
	return &mysqlFactory{repo: repo}, nil
}

func (f *mysqlFactory) CreateAnalysisRepo() (storage.AnalysisRepository, error) {
	return f.repo, nil
}

func (f *mysqlFactory) Close() error {
	return f.repo.Close()
}

// postgresFactory PostgreSQL数据库工厂（内部实现）
type postgresFactory struct {
	repo storage.AnalysisRepository
}

func newPostgresFactory(dsn string) (*postgresFactory, error) {
	repo, err := postgres.NewAnalysisRepoFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres repository failed: %w", err)
	}
	return &postgresFactory{repo: repo}, nil
}

func (f *postgresFactory) CreateAnalysisRepo() (storage.AnalysisRepository, error) {
	return f.repo, nil
}

func (f *postgresFactory) Close() error {
	return f.repo.Close()
}
