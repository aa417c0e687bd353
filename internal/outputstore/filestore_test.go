package outputstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "")
	require.NoError(t, err)

	ref, err := store.Write(context.Background(), "generated/job-1/result.png", []byte("img"))

	require.NoError(t, err)
	assert.Equal(t, "generated/job-1/result.png", ref)

	data, err := os.ReadFile(filepath.Join(dir, "generated", "job-1", "result.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), data)
}

func TestFileStorePublicBaseURL(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "https://cdn.local/outputs/")
	require.NoError(t, err)

	ref, err := store.Write(context.Background(), "generated/job-2/result.png", []byte("img"))

	require.NoError(t, err)
	assert.Equal(t, "https://cdn.local/outputs/generated/job-2/result.png", ref)
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{name: "plain key", key: "a/b.png", want: "a/b.png"},
		{name: "leading slash stripped", key: "/a/b.png", want: "a/b.png"},
		{name: "dot segments cleaned", key: "a/./b.png", want: "a/b.png"},
		{name: "traversal rejected", key: "../../etc/passwd", wantErr: true},
		{name: "bare parent rejected", key: "..", wantErr: true},
		{name: "segments collapsing to parent rejected", key: "a/../..", wantErr: true},
		{name: "empty rejected", key: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sanitizeKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
