package reliability

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewR2BackupService(t *testing.T) {
	log := zerolog.New(io.Discard)

	r2Client, _ := NewR2Client("test-account", "test-key", "test-secret", "test-bucket", log)
	backupService := &BackupService{}
	dataDir := t.TempDir()

	service := NewR2BackupService(r2Client, backupService, dataDir, log)

	require.NotNil(t, service)
	assert.Same(t, r2Client, service.r2Client)
	assert.Same(t, backupService, service.backupService)
	assert.Equal(t, dataDir, service.dataDir)
}

func TestBackupMetadataJSON(t *testing.T) {
	metadata := BackupMetadata{
		Timestamp:     time.Date(2026, 1, 8, 14, 30, 0, 0, time.UTC),
		Version:       "1",
		WardenVersion: WardenVersion,
		Databases: []DatabaseMetadata{
			{Name: "warden", Filename: "warden.db", SizeBytes: 1234567, Checksum: "sha256:abc123"},
		},
	}

	assert.Equal(t, "1", metadata.Version)
	require.Len(t, metadata.Databases, 1)
	assert.Equal(t, "warden", metadata.Databases[0].Name)
}

func TestBackupInfoSorting(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)
	svc := NewBackupService(dir, nil, log)

	writeEmptyFile(t, filepath.Join(dir, "warden-backup-2026-01-06-120000.tar.gz"))
	writeEmptyFile(t, filepath.Join(dir, "warden-backup-2026-01-08-120000.tar.gz"))
	writeEmptyFile(t, filepath.Join(dir, "warden-backup-2026-01-07-120000.tar.gz"))

	backups, err := svc.ListLocal(dir)
	require.NoError(t, err)
	require.Len(t, backups, 3)

	assert.Equal(t, 8, backups[0].Timestamp.Day())
	assert.Equal(t, 7, backups[1].Timestamp.Day())
	assert.Equal(t, 6, backups[2].Timestamp.Day())
}

func TestCalculateChecksum(t *testing.T) {
	log := zerolog.New(io.Discard)
	service := &BackupService{log: log}

	_, err := service.calculateChecksum("/nonexistent/file.db")
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "sample.db")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	checksum, err := service.calculateChecksum(path)
	require.NoError(t, err)
	assert.Contains(t, checksum, "sha256:")
}

func TestCreateArchiveRejectsInvalidPaths(t *testing.T) {
	log := zerolog.New(io.Discard)
	service := &BackupService{log: log}

	err := service.createArchive("/nonexistent-dir/archive.tar.gz", "/nonexistent-source", []string{"test"})
	assert.Error(t, err)
}

func TestBackupServiceCreateProducesRestorableArchive(t *testing.T) {
	dataDir := t.TempDir()
	destDir := t.TempDir()
	log := zerolog.New(io.Discard)

	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "warden.db"), []byte("sqlite-bytes"), 0644))

	svc := NewBackupService(dataDir, []string{"warden"}, log)
	info, err := svc.Create(context.Background(), destDir)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Filename)
	assert.Positive(t, info.SizeBytes)

	backups, err := svc.ListLocal(destDir)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, info.Filename, backups[0].Filename)
}

func TestRotateOldBackupsKeepsMinimumRegardlessOfAge(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)
	svc := NewBackupService(dir, nil, log)

	old := time.Now().AddDate(0, 0, -100)
	for i := 0; i < 5; i++ {
		ts := old.AddDate(0, 0, -i)
		writeEmptyFile(t, filepath.Join(dir, backupFilename(ts)))
	}

	require.NoError(t, svc.RotateOldBackups(dir, 30))

	remaining, err := svc.ListLocal(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(remaining), minBackupsToKeep)
	assert.Less(t, len(remaining), 5)
}

func TestRotateOldBackupsNoopWhenRetentionDisabled(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)
	svc := NewBackupService(dir, nil, log)

	for i := 0; i < 5; i++ {
		ts := time.Now().AddDate(0, 0, -365-i)
		writeEmptyFile(t, filepath.Join(dir, backupFilename(ts)))
	}

	require.NoError(t, svc.RotateOldBackups(dir, 0))

	remaining, err := svc.ListLocal(dir)
	require.NoError(t, err)
	assert.Len(t, remaining, 5)
}

func writeEmptyFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte{}, 0644))
}
