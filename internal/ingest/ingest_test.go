package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/vectorstore"
)

type constEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *constEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *constEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type recordingIndexer struct {
	mu      sync.Mutex
	tenants map[string]bool
	docs    map[string]vectorstore.Document
	owner   map[string]string
	deleted []string
}

func newRecordingIndexer() *recordingIndexer {
	return &recordingIndexer{
		tenants: map[string]bool{},
		docs:    map[string]vectorstore.Document{},
		owner:   map[string]string{},
	}
}

func (r *recordingIndexer) Index(_ context.Context, tenantID string, docs []vectorstore.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[tenantID] = true
	for _, d := range docs {
		r.docs[d.ID] = d
		r.owner[d.ID] = tenantID
	}
	return nil
}

func (r *recordingIndexer) DeleteSource(_ context.Context, tenantID, sourceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, tenantID+"/"+sourceID)
	for id, d := range r.docs {
		if d.SourceID == sourceID && r.owner[id] == tenantID {
			delete(r.docs, id)
			delete(r.owner, id)
		}
	}
	return nil
}

func (r *recordingIndexer) sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, d := range r.docs {
		if !seen[d.SourceID] {
			seen[d.SourceID] = true
			out = append(out, d.SourceID)
		}
	}
	sort.Strings(out)
	return out
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func newTestService(idx *recordingIndexer, emb *constEmbedder) *Service {
	return NewService(idx, emb, dlp.MustNew(dlp.DefaultConfig()), nil)
}

func TestIngestDirectory_SelectsAndIndexes(t *testing.T) {
	root := writeTree(t, map[string]string{
		"fees.md":                  "# Fees\n\nThe late-payment fee is 2.5% per month.",
		"docs/policies/limits.md":  "Daily transfer limit is ten thousand USD.",
		"docs/notes.txt":           "Not a markdown file.",
		"drafts/wip.md":            "Work in progress.",
		"node_modules/x/readme.md": "Dependency docs.",
		"binary.md":                "\xff\xfe\x00",
		".gitignore":               "drafts/\n",
	})
	idx := newRecordingIndexer()

	res, err := newTestService(idx, &constEmbedder{}).IngestDirectory(context.Background(), root, Options{
		TenantID:        "T1",
		IncludePatterns: []string{"**/*.md"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"docs/policies/limits.md", "fees.md"}, idx.sources())
	assert.Equal(t, map[string]bool{"T1": true}, idx.tenants)
	assert.Equal(t, 2, res.FilesIndexed)
	assert.Equal(t, 1, res.FilesSkipped, "invalid UTF-8 is skipped")
	assert.Equal(t, len(idx.docs), res.ChunksIndexed)
	assert.Equal(t, res.ChunksIndexed, res.BySensitivity[dlp.SensitivityNone])
}

func TestIngestDirectory_ExcludeWinsOverInclude(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.md":          "alpha",
		"secret/b.md":   "beta",
		"archive/c.txt": "gamma",
	})
	idx := newRecordingIndexer()

	_, err := newTestService(idx, &constEmbedder{}).IngestDirectory(context.Background(), root, Options{
		TenantID:        "T1",
		ExcludePatterns: []string{"secret/**", "*.txt"},
		IgnoreFiles:     []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, idx.sources())
}

func TestIngestDirectory_ClassifiesChunks(t *testing.T) {
	root := writeTree(t, map[string]string{
		"contacts.txt": "Write to support@example.com for help.",
		"customer.txt": "Customer DNI 30.123.456 paid with card 4915 6002 9720 0043.",
	})
	idx := newRecordingIndexer()

	res, err := newTestService(idx, &constEmbedder{}).IngestDirectory(context.Background(), root, Options{TenantID: "T1"})
	require.NoError(t, err)

	got := map[string]dlp.Sensitivity{}
	for _, d := range idx.docs {
		got[d.SourceID] = d.Sensitivity
	}
	assert.Equal(t, dlp.SensitivityLow, got["contacts.txt"])
	assert.Equal(t, dlp.SensitivityHigh, got["customer.txt"])
	assert.Equal(t, 1, res.BySensitivity[dlp.SensitivityHigh])
}

func TestIngestDirectory_ReingestIsIdempotent(t *testing.T) {
	root := writeTree(t, map[string]string{"fees.md": strings.Repeat("The fee is charged monthly. ", 60)})
	idx := newRecordingIndexer()
	svc := newTestService(idx, &constEmbedder{})

	first, err := svc.IngestDirectory(context.Background(), root, Options{TenantID: "T1", BatchSize: 2})
	require.NoError(t, err)
	require.Greater(t, first.ChunksIndexed, 1, "text should span several chunks")
	_, err = svc.IngestDirectory(context.Background(), root, Options{TenantID: "T1", BatchSize: 2})
	require.NoError(t, err)

	assert.Len(t, idx.docs, first.ChunksIndexed, "same IDs on re-ingest")
	for _, d := range idx.docs {
		assert.LessOrEqual(t, len([]rune(d.Text)), DefaultChunkSize)
		assert.Equal(t, ChunkID("T1", "fees.md", d.Ordinal), d.ID)
	}
}

func TestIngestDirectory_ReingestShrunkFileDropsStaleChunks(t *testing.T) {
	root := writeTree(t, map[string]string{
		"fees.md":  strings.Repeat("The fee is charged monthly. ", 60),
		"other.md": "Unrelated policy.",
	})
	idx := newRecordingIndexer()
	svc := newTestService(idx, &constEmbedder{})
	ctx := context.Background()

	first, err := svc.IngestDirectory(ctx, root, Options{TenantID: "T1"})
	require.NoError(t, err)
	require.Greater(t, first.ChunksIndexed, 2)
	_, err = svc.IngestDirectory(ctx, root, Options{TenantID: "T2"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "fees.md"), []byte("The fee is 2%."), 0o600))
	second, err := svc.IngestDirectory(ctx, root, Options{TenantID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.ChunksIndexed)

	var t1, t2 int
	for id, d := range idx.docs {
		switch idx.owner[id] {
		case "T1":
			t1++
			if d.SourceID == "fees.md" {
				assert.Equal(t, 0, d.Ordinal, "stale chunk %s survived", id)
			}
		case "T2":
			t2++
		}
	}
	assert.Equal(t, 2, t1)
	assert.Equal(t, first.ChunksIndexed, t2, "other tenants keep their chunks")
	assert.Contains(t, idx.deleted, "T1/fees.md")
}

func TestIngestDirectory_Errors(t *testing.T) {
	root := writeTree(t, map[string]string{"a.md": "alpha"})
	svc := newTestService(newRecordingIndexer(), &constEmbedder{})
	ctx := context.Background()

	_, err := svc.IngestDirectory(ctx, root, Options{})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = svc.IngestDirectory(ctx, filepath.Join(root, "missing"), Options{TenantID: "T1"})
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = svc.IngestDirectory(ctx, filepath.Join(root, "a.md"), Options{TenantID: "T1"})
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = svc.IngestDirectory(ctx, root, Options{TenantID: "T1", IncludePatterns: []string{"[unclosed"}})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	boom := errors.New("embedder down")
	_, err = newTestService(newRecordingIndexer(), &constEmbedder{err: boom}).IngestDirectory(ctx, root, Options{TenantID: "T1"})
	assert.ErrorIs(t, err, boom)
}

func TestChunkID(t *testing.T) {
	a := ChunkID("T1", "fees.md", 0)
	assert.Equal(t, a, ChunkID("T1", "fees.md", 0))
	assert.NotEqual(t, a, ChunkID("T2", "fees.md", 0))
	assert.NotEqual(t, a, ChunkID("T1", "fees.md", 1))
	assert.Len(t, a, 36)
}

func TestChunker_Split(t *testing.T) {
	c := NewChunker(40, 5)
	parts, err := c.Split("doc.md", "# One\n\nShort intro.\n\n## Two\n\nAnother section with a few more words in it.")
	require.NoError(t, err)
	require.NotEmpty(t, parts)
	for _, p := range parts {
		assert.NotEmpty(t, strings.TrimSpace(p))
		assert.LessOrEqual(t, len(p), 40)
	}

	parts, err = c.Split("blank.txt", " \n\n ")
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestIgnoreLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"# comment", ""},
		{"!keep.md", ""},
		{"*.log", "*.log"},
		{"node_modules", "**/node_modules/**"},
		{"drafts/", "drafts/**"},
		{"vendor/cache", "vendor/cache/**"},
		{"/dist", "**/dist/**"},
		{"notes.txt", "**/notes.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, ignoreLine(tt.line))
		})
	}
}

func TestIgnorePatterns_MergesAndDeduplicates(t *testing.T) {
	root := writeTree(t, map[string]string{
		".gitignore":    "drafts/\n*.log\n",
		".cortexignore": "*.log\nprivate/\n",
	})
	got, err := ignorePatterns(root, DefaultIgnoreFiles)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.log", "private/**", "drafts/**"}, got)

	got, err = ignorePatterns(t.TempDir(), DefaultIgnoreFiles)
	require.NoError(t, err)
	assert.Empty(t, got)
}
