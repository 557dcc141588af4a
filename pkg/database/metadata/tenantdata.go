package metadata

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/supporttools/GoDRGuard/pkg/backup"
	mysqlprovider "github.com/supporttools/GoDRGuard/pkg/backup/database/mysql"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/recovery"
)

// Application tables holding tenant-scoped rows
const (
	TableUsers              = "users"
	TableIntegrations       = "integrations"
	TableMetrics            = "metrics"
	TableWorkflowExecutions = "workflow_executions"
)

// TenantStore reads and writes tenant aggregates in the application database
type TenantStore struct {
	db *gorm.DB
}

var (
	_ backup.TenantDataExporter   = (*TenantStore)(nil)
	_ recovery.TenantDataImporter = (*TenantStore)(nil)
)

// NewTenantStore wraps an open application database
func NewTenantStore(db *gorm.DB) *TenantStore {
	return &TenantStore{db: db}
}

// OpenTenantStore connects to the application database named by a mysql:// connection string
func OpenTenantStore(connectionString string) (*TenantStore, error) {
	conn, err := common.ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	if conn.Scheme != "mysql" {
		return nil, fmt.Errorf("application data requires a mysql connection, got %s", conn.Scheme)
	}
	db, err := gorm.Open(mysql.Open(mysqlprovider.DSN(conn)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to application database: %w", err)
	}
	return NewTenantStore(db), nil
}

// OpenExporter adapts OpenTenantStore to backup.ExporterFactory
func OpenExporter(connectionString string) (backup.TenantDataExporter, error) {
	return OpenTenantStore(connectionString)
}

// OpenImporter adapts OpenTenantStore to recovery.ImporterFactory
func OpenImporter(connectionString string) (recovery.TenantDataImporter, error) {
	return OpenTenantStore(connectionString)
}

// Export reads the tenant's users and integrations, plus its newest metrics and
// workflow executions up to limit rows each
func (s *TenantStore) Export(ctx context.Context, tenantID string, limit int) (*backup.TenantData, error) {
	data := &backup.TenantData{TenantID: tenantID}
	var err error

	if data.Users, err = s.rows(ctx, TableUsers, tenantID, 0); err != nil {
		return nil, err
	}
	if data.Integrations, err = s.rows(ctx, TableIntegrations, tenantID, 0); err != nil {
		return nil, err
	}
	if data.Metrics, err = s.rows(ctx, TableMetrics, tenantID, limit); err != nil {
		return nil, err
	}
	if data.WorkflowExecutions, err = s.rows(ctx, TableWorkflowExecutions, tenantID, limit); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *TenantStore) rows(ctx context.Context, table, tenantID string, limit int) ([]backup.Row, error) {
	query := s.db.WithContext(ctx).Table(table).Where("tenant_id = ?", tenantID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var found []map[string]interface{}
	if err := query.Find(&found).Error; err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	out := make([]backup.Row, 0, len(found))
	for _, row := range found {
		out = append(out, backup.Row(row))
	}
	return out, nil
}

// Import upserts every row of data in one transaction, forcing tenant_id to the document's tenant
func (s *TenantStore) Import(ctx context.Context, data *backup.TenantData) (int64, error) {
	var imported int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, set := range []struct {
			table string
			rows  []backup.Row
		}{
			{TableUsers, data.Users},
			{TableIntegrations, data.Integrations},
			{TableMetrics, data.Metrics},
			{TableWorkflowExecutions, data.WorkflowExecutions},
		} {
			for _, row := range set.rows {
				if err := upsert(tx, set.table, data.TenantID, row); err != nil {
					return fmt.Errorf("failed to import into %s: %w", set.table, err)
				}
				imported++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return imported, nil
}

func upsert(tx *gorm.DB, table, tenantID string, row backup.Row) error {
	values := make(map[string]interface{}, len(row)+1)
	for k, v := range row {
		values[k] = v
	}
	values["tenant_id"] = tenantID

	columns := make([]string, 0, len(values))
	for k := range values {
		if k != "id" {
			columns = append(columns, k)
		}
	}
	sort.Strings(columns)

	return tx.Table(table).
		Clauses(clause.OnConflict{DoUpdates: clause.AssignmentColumns(columns)}).
		Create(values).Error
}

// Close releases the connection pool
func (s *TenantStore) Close() error {
	return Close(s.db)
}
