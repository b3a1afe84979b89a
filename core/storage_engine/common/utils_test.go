package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCopyThrottled copies a multi-chunk file and checks content and digest.
func TestCopyThrottled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")

	data := make([]byte, chunkSize*2+123)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(src, data, 0644))

	digest, err := CopyThrottled(context.Background(), src, dst, 0)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, got)

	want := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(want[:]), digest)
}

func TestCopyThrottled_Cancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, src, filepath.Join(dir, "dst.db"), 1<<20)
	require.Error(t, err)
}

func TestCopyThrottled_MissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := CopyThrottled(context.Background(), filepath.Join(dir, "nope"), filepath.Join(dir, "dst"), 0)
	require.Error(t, err)
}
