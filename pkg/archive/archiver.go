// Package archive exports finished cases to blob storage. The archive
// document carries the case's final state plus its full delta log, which is
// enough to audit or replay the execution after the hot delta log is pruned.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/marking"
	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/runner"
)

// CaseArchive is the serialized form of a finished case.
type CaseArchive struct {
	CaseID     string                 `json:"caseId"`
	SpecID     string                 `json:"specId"`
	Status     string                 `json:"status"`
	Data       map[string]any         `json:"data,omitempty"`
	Marking    map[string]int         `json:"marking,omitempty"`
	Items      []marking.ItemSnapshot `json:"items,omitempty"`
	Deltas     []*marking.Delta       `json:"deltas"`
	ArchivedAt time.Time              `json:"archivedAt"`
}

// Archiver writes case archives and optionally prunes the delta log
// afterwards.
type Archiver struct {
	blobs  BlobClient
	store  persistence.Store
	logger *zap.Logger

	// prune removes the case's delta log after a successful upload
	prune bool
}

// NewArchiver creates an archiver. When prune is true the case's delta log
// is deleted from the store once the archive upload succeeds.
func NewArchiver(blobs BlobClient, store persistence.Store, prune bool, logger *zap.Logger) (*Archiver, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob client cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Archiver{blobs: blobs, store: store, logger: logger, prune: prune}, nil
}

// Archive uploads a finished case's final state and delta log. Returns the
// blob URL of the archive document.
func (a *Archiver) Archive(ctx context.Context, info runner.Info) (string, error) {
	if !info.Status.IsTerminal() {
		return "", fmt.Errorf("case %s is not terminal (status %s)", info.CaseID, info.Status)
	}

	deltas, err := a.store.ReadDeltas(ctx, info.CaseID)
	if err != nil {
		return "", fmt.Errorf("read delta log for case %s: %w", info.CaseID, err)
	}

	doc := CaseArchive{
		CaseID:     info.CaseID,
		SpecID:     info.SpecID,
		Status:     string(info.Status),
		Data:       info.Data,
		Deltas:     deltas,
		ArchivedAt: time.Now().UTC(),
	}
	if info.Marking != nil {
		doc.Marking = info.Marking.Tokens
	}
	for _, item := range info.Items {
		doc.Items = append(doc.Items, item.Snapshot())
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal archive for case %s: %w", info.CaseID, err)
	}

	blobPath := fmt.Sprintf("cases/%s/%s.json", info.SpecID, info.CaseID)
	url, err := a.blobs.Upload(ctx, blobPath, payload, map[string]string{
		"case_id": info.CaseID,
		"spec_id": info.SpecID,
		"status":  string(info.Status),
	})
	if err != nil {
		return "", err
	}

	if a.prune {
		if err := a.store.DeleteCase(ctx, info.CaseID); err != nil {
			// The archive is durable; a stale delta log is only wasted space.
			a.logger.Warn("Failed to prune delta log after archival",
				zap.String("caseID", info.CaseID),
				zap.Error(err))
		}
	}

	a.logger.Info("Archived case",
		zap.String("caseID", info.CaseID),
		zap.String("specID", info.SpecID),
		zap.String("status", string(info.Status)),
		zap.String("blob_url", url),
		zap.Int("deltas", len(deltas)))
	return url, nil
}
