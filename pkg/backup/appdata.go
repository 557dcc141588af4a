package backup

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/artifact"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// ExportLimit caps the metric and workflow rows exported per tenant
const ExportLimit = 1000

// Row is one exported record
type Row map[string]interface{}

// TenantData is the document written by an application_data backup
type TenantData struct {
	TenantID           string    `json:"tenantId"`
	ExportedAt         time.Time `json:"exportedAt"`
	Users              []Row     `json:"users"`
	Integrations       []Row     `json:"integrations"`
	Metrics            []Row     `json:"metrics"`
	WorkflowExecutions []Row     `json:"workflowExecutions"`
}

// Records returns the number of rows in the document
func (d *TenantData) Records() int {
	return len(d.Users) + len(d.Integrations) + len(d.Metrics) + len(d.WorkflowExecutions)
}

// TenantDataExporter reads a tenant's aggregates from the application store
type TenantDataExporter interface {
	Export(ctx context.Context, tenantID string, limit int) (*TenantData, error)
	Close() error
}

// ExporterFactory opens an exporter for a config's connection string
type ExporterFactory func(connectionString string) (TenantDataExporter, error)

// ApplicationDataStrategy exports a tenant's domain data as a JSON document
type ApplicationDataStrategy struct {
	open   ExporterFactory
	logger logrus.FieldLogger
}

// NewApplicationDataStrategy creates an application_data strategy
func NewApplicationDataStrategy(open ExporterFactory, logger logrus.FieldLogger) *ApplicationDataStrategy {
	return &ApplicationDataStrategy{open: open, logger: logging.Component(logger, "backup-appdata")}
}

// Type implements Strategy
func (s *ApplicationDataStrategy) Type() types.BackupType {
	return types.BackupTypeApplicationData
}

// Execute implements Strategy
func (s *ApplicationDataStrategy) Execute(ctx context.Context, req Request) (*Artifact, error) {
	exporter, err := s.open(req.Config.ConnectionString)
	if err != nil {
		return nil, apperrors.BackupExecution("failed to open application store", err)
	}
	defer exporter.Close()

	data, err := exporter.Export(ctx, req.Config.TenantID, ExportLimit)
	if err != nil {
		return nil, apperrors.BackupExecution("failed to export tenant data", err)
	}
	data.TenantID = req.Config.TenantID
	data.ExportedAt = req.Timestamp.UTC()

	path, err := req.Target("appdata", ".json")
	if err != nil {
		return nil, apperrors.BackupExecution("failed to prepare target", err)
	}
	w, err := artifact.Create(path, req.Options())
	if err != nil {
		return nil, apperrors.BackupExecution("failed to create artifact", err)
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		w.Abort()
		return nil, apperrors.BackupExecution("failed to write tenant document", err)
	}

	s.logger.WithField(logging.FieldTenantID, data.TenantID).Debugf("Exported %d records", data.Records())

	result, err := finish(w, map[string]string{types.MetaRecords: strconv.Itoa(data.Records())})
	if err != nil {
		return nil, apperrors.BackupExecution("failed to finalize artifact", err)
	}
	return result, nil
}
