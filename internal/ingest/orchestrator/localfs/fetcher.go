// Package localfs fetches ingestion files from a local inbox directory.
// Files stay in the inbox until archived, so every poll redelivers whatever
// was not taken yet.
package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/acme/claims/internal/ingest/orchestrator"
)

type Fetcher struct {
	inbox   string
	archive string
	log     zerolog.Logger
}

func New(inbox, archive string, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		inbox:   inbox,
		archive: archive,
		log:     log.With().Str("component", "localfs").Logger(),
	}
}

func (f *Fetcher) Name() string { return "localfs" }

// Poll lists every XML file currently in the inbox, oldest first. The file id
// is the base name without extension, matching how senders name drops.
func (f *Fetcher) Poll(ctx context.Context) ([]orchestrator.WorkItem, error) {
	entries, err := os.ReadDir(f.inbox)
	if err != nil {
		return nil, fmt.Errorf("read inbox %s: %w", f.inbox, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	items := make([]orchestrator.WorkItem, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		data, err := os.ReadFile(filepath.Join(f.inbox, name))
		if err != nil {
			f.log.Warn().Err(err).Str("file", name).Msg("unreadable inbox file skipped")
			continue
		}
		items = append(items, orchestrator.WorkItem{
			FileID:   strings.TrimSuffix(name, filepath.Ext(name)),
			FileName: name,
			Data:     data,
		})
	}
	return items, nil
}

// Archive moves a finished file out of the inbox. A failed move leaves the
// file for redelivery; the already-projected short-circuit makes that safe.
func (f *Fetcher) Archive(_ context.Context, item orchestrator.WorkItem) error {
	if err := os.MkdirAll(f.archive, 0o755); err != nil {
		return fmt.Errorf("archive dir: %w", err)
	}
	src := filepath.Join(f.inbox, item.FileName)
	dst := filepath.Join(f.archive, item.FileName)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("archive %s: %w", item.FileName, err)
	}
	return nil
}
