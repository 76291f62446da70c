package artifact

import (
	"context"
	"extrato-queue/internal/models"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spaces collapse", "MARCH 2026", "MARCH_2026"},
		{"case preserved", "Acme Ltda", "Acme_Ltda"},
		{"runs of unsafe chars", "a/ \\b", "a_b"},
		{"allowed punctuation", "x.y-z_w", "x.y-z_w"},
		{"accents replaced", "MÉRITO", "M_RITO"},
		{"trimmed", "  ACME  ", "ACME"},
		{"empty fallback", "   ", "extrato"},
		{"only unsafe", "///", "_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeName(tt.in))
		})
	}
}

func TestSafeName_Capped(t *testing.T) {
	got := SafeName(strings.Repeat("A", 300))
	assert.Len(t, got, 120)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "extrato_7_MARCH_2026_ACME.pdf", FileName(7, "MARCH 2026", "ACME"))
	assert.Equal(t,
		"extrato_12_FEVEREIRO_2026_MERITO_COMERCIO_DE_EQUIPAMENTOS_LIM.pdf",
		FileName(12, "FEVEREIRO 2026", "MERITO COMERCIO DE EQUIPAMENTOS LIM"))
}

func TestFileStore_SaveOpenRemove(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested", "out")
	store := NewFileStore(dir)

	payload := "%PDF-1.4 test"
	location, err := store.Save(ctx, "extrato_1_A_B.pdf", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "extrato_1_A_B.pdf"), location)

	rc, err := store.Open(ctx, location)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary upload file is cleaned up")

	require.NoError(t, store.Remove(ctx, location))
	_, err = store.Open(ctx, location)
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.NoError(t, store.Remove(ctx, location), "removing twice is not an error")
}

func TestFileStore_Move(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)

	staged, err := store.Save(ctx, StagingName(), strings.NewReader("%PDF-1.4 new"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(staged), ".staging-"))
	assert.True(t, strings.HasSuffix(staged, ".pdf"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "extrato_1_A_B.pdf"), []byte("%PDF-1.4 old"), 0o644))

	location, err := store.Move(ctx, staged, "extrato_1_A_B.pdf")
	require.NoError(t, err)
	assert.Equal(t, store.Location("extrato_1_A_B.pdf"), location)

	data, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 new", string(data))
	assert.NoFileExists(t, staged)

	_, err = store.Move(ctx, staged, "extrato_1_A_B.pdf")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStagingName_Unique(t *testing.T) {
	assert.NotEqual(t, StagingName(), StagingName())
}

func TestCopySource(t *testing.T) {
	assert.Equal(t, "reports/extratos/.staging-1-a%20b.pdf", copySource("reports", "extratos/.staging-1-a b.pdf"))
}

func TestParseLocation(t *testing.T) {
	bucket, key, err := parseLocation("s3://reports/extratos/extrato_1_A_B.pdf")
	require.NoError(t, err)
	assert.Equal(t, "reports", bucket)
	assert.Equal(t, "extratos/extrato_1_A_B.pdf", key)

	for _, bad := range []string{"/var/lib/x.pdf", "s3://bucket", "s3:///key"} {
		_, _, err := parseLocation(bad)
		assert.ErrorIs(t, err, models.ErrNotFound, bad)
	}

	store := NewS3Store(nil, "reports", "extratos/")
	assert.Equal(t, "s3://reports/extratos/x.pdf", store.location("extratos/x.pdf"))
	assert.Equal(t, "s3://reports/extratos/x.pdf", store.Location("x.pdf"))
}
