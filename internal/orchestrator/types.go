package orchestrator

import (
	"slices"

	"github.com/fyrsmithlabs/cortexd/internal/identity"
	"github.com/fyrsmithlabs/cortexd/internal/vectorstore"
)

// Request is one inbound question. It has no tenant field; the tenant always
// comes from Identity.
type Request struct {
	Question  string
	Identity  identity.Identity
	SessionID string
}

// ChunkRef identifies a chunk that was included in the prompt.
type ChunkRef struct {
	SourceID string  `json:"source_id"`
	Score    float64 `json:"score"`
}

// Result is a released answer. Answer has already been through DLP.
type Result struct {
	Answer     string     `json:"answer"`
	UsedChunks []ChunkRef `json:"used_chunks"`
	Citations  []string   `json:"citations"`
	CacheHit   bool       `json:"cache_hit"`
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.UsedChunks = slices.Clone(r.UsedChunks)
	out.Citations = slices.Clone(r.Citations)
	return &out
}

func newResult(answer string, used []vectorstore.Chunk) *Result {
	res := &Result{
		Answer:     answer,
		UsedChunks: make([]ChunkRef, 0, len(used)),
		Citations:  []string{},
	}
	for _, c := range used {
		res.UsedChunks = append(res.UsedChunks, ChunkRef{SourceID: c.SourceID, Score: c.Score})
		if c.SourceID != "" {
			res.Citations = append(res.Citations, c.SourceID)
		}
	}
	slices.Sort(res.Citations)
	res.Citations = slices.Compact(res.Citations)
	return res
}
