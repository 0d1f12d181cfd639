package workspace

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/lo"

	"github.com/manthysbr/nrvna/internal/core/domain"
)

// Scanner enumerates jobs that are published and waiting to be claimed.
type Scanner struct {
	ws *Workspace
}

func NewScanner(ws *Workspace) *Scanner {
	return &Scanner{ws: ws}
}

// Ready returns the ids of all valid jobs under input/ready, sorted
// lexicographically, which for well-formed ids is submission order. A job
// is valid when its directory holds a regular, non-empty prompt file.
// Every error degrades to an empty result; the next scan tries again.
func (s *Scanner) Ready() []domain.JobID {
	entries, err := os.ReadDir(s.ws.ReadyDir())
	if err != nil {
		return nil
	}

	dirs := lo.Filter(entries, func(e os.DirEntry, _ int) bool {
		return e.IsDir() && s.validJob(e.Name())
	})
	ids := lo.Map(dirs, func(e os.DirEntry, _ int) domain.JobID {
		return domain.JobID(e.Name())
	})

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Scanner) validJob(name string) bool {
	info, err := os.Stat(filepath.Join(s.ws.ReadyDir(), name, PromptFile))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}
