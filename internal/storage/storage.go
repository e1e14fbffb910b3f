// Package storage archives reconciler repair reports, either as JSON files
// on local disk or in S3 with a DynamoDB index.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-dispatch/internal/config"
	"github.com/ignite/audience-dispatch/internal/domain"
)

// AuditStore records and lists repair reports.
type AuditStore interface {
	RecordRepair(ctx context.Context, r *domain.RepairReport) error
	// ListRepairs returns a campaign's repairs, newest first.
	ListRepairs(ctx context.Context, campaignID string) ([]domain.RepairReport, error)
}

// New returns the audit store selected by cfg.Type.
func New(ctx context.Context, cfg config.AuditConfig) (AuditStore, error) {
	switch cfg.Type {
	case "aws":
		s, err := NewAWSAuditStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("initializing AWS audit store: %w", err)
		}
		return s, nil
	case "local", "":
		return NewLocalAuditStore(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unknown audit store type %q", cfg.Type)
	}
}

// prepare fills the id and timestamp of a report about to be stored.
func prepare(r *domain.RepairReport) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now().UTC()
	}
}

// LocalAuditStore keeps one JSON file per repair under
// <root>/<campaign id>/.
type LocalAuditStore struct {
	root string
	mu   sync.RWMutex
}

// NewLocalAuditStore creates the directory if needed.
func NewLocalAuditStore(root string) (*LocalAuditStore, error) {
	if root == "" {
		root = "./data/audit"
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &LocalAuditStore{root: root}, nil
}

func (s *LocalAuditStore) campaignDir(campaignID string) string {
	// Campaign ids are UUIDs; anything else is flattened to stay inside root.
	return filepath.Join(s.root, strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(campaignID))
}

// RecordRepair writes the report to disk.
func (s *LocalAuditStore) RecordRepair(_ context.Context, r *domain.RepairReport) error {
	prepare(r)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling repair report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.campaignDir(r.CampaignID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating audit directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", r.CheckedAt.UTC().Format("20060102T150405.000000000"), r.ID)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("writing repair report: %w", err)
	}
	return nil
}

// ListRepairs reads every report for the campaign.
func (s *LocalAuditStore) ListRepairs(_ context.Context, campaignID string) ([]domain.RepairReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.campaignDir(campaignID))
	if os.IsNotExist(err) {
		return []domain.RepairReport{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit directory: %w", err)
	}

	reports := make([]domain.RepairReport, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.campaignDir(campaignID), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading repair report: %w", err)
		}
		var r domain.RepairReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	sortNewestFirst(reports)
	return reports, nil
}

func sortNewestFirst(reports []domain.RepairReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].CheckedAt.After(reports[j].CheckedAt)
	})
}
