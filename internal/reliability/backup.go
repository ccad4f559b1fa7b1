package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WardenVersion is stamped into every backup's metadata so a restore can
// tell which schema generation produced the archive it is applying.
const WardenVersion = "0.1.0"

const minBackupsToKeep = 3

// DatabaseMetadata describes one database file captured in a backup.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupMetadata is the manifest written alongside a backup archive's
// contents as backup-metadata.json.
type BackupMetadata struct {
	Timestamp     time.Time          `json:"timestamp"`
	Version       string             `json:"version"`
	WardenVersion string             `json:"warden_version"`
	Databases     []DatabaseMetadata `json:"databases"`
}

// BackupInfo describes one backup archive already on disk or in R2.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupService creates local, checksummed tar.gz archives of Warden's
// SQLite database files. It never touches R2; R2BackupService composes it
// with an R2Client for off-site delivery.
type BackupService struct {
	dataDir   string
	databases []string // database names, without the .db suffix
	log       zerolog.Logger
}

// NewBackupService constructs a BackupService over dataDir's database
// files. databases lists the logical database names to include; Warden
// ships a single "warden" database but the format supports more, the way
// the store it was grounded on did.
func NewBackupService(dataDir string, databases []string, log zerolog.Logger) *BackupService {
	return &BackupService{
		dataDir:   dataDir,
		databases: databases,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

func backupFilename(ts time.Time) string {
	return fmt.Sprintf("warden-backup-%s.tar.gz", ts.Format("2006-01-02-150405"))
}

// Create builds a backup archive under destDir and returns its info.
func (s *BackupService) Create(ctx context.Context, destDir string) (BackupInfo, error) {
	ts := time.Now().UTC()
	filename := backupFilename(ts)
	archivePath := filepath.Join(destDir, filename)

	stagingDir, err := os.MkdirTemp(destDir, "backup-staging-")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{
		Timestamp:     ts,
		Version:       "1",
		WardenVersion: WardenVersion,
	}

	for _, name := range s.databases {
		select {
		case <-ctx.Done():
			return BackupInfo{}, ctx.Err()
		default:
		}

		dbFilename := name + ".db"
		srcPath := filepath.Join(s.dataDir, dbFilename)
		info, err := os.Stat(srcPath)
		if err != nil {
			return BackupInfo{}, fmt.Errorf("stat database %s: %w", name, err)
		}

		dstPath := filepath.Join(stagingDir, dbFilename)
		if err := copyFile(srcPath, dstPath); err != nil {
			return BackupInfo{}, fmt.Errorf("stage database %s: %w", name, err)
		}

		checksum, err := s.calculateChecksum(dstPath)
		if err != nil {
			return BackupInfo{}, fmt.Errorf("checksum database %s: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  dbFilename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return BackupInfo{}, fmt.Errorf("write metadata: %w", err)
	}

	names := make([]string, 0, len(s.databases)+1)
	for _, db := range metadata.Databases {
		names = append(names, db.Filename)
	}
	names = append(names, "backup-metadata.json")

	if err := s.createArchive(archivePath, stagingDir, names); err != nil {
		return BackupInfo{}, fmt.Errorf("create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("stat archive: %w", err)
	}

	s.log.Info().Str("filename", filename).Int64("bytes", archiveInfo.Size()).Msg("backup archive created")

	return BackupInfo{Filename: filename, Timestamp: ts, SizeBytes: archiveInfo.Size()}, nil
}

// createArchive tars and gzips the named files (relative to sourceDir)
// into a single archive at archivePath.
func (s *BackupService) createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, name := range filenames {
		srcPath := filepath.Join(sourceDir, name)
		if err := addFileToTar(tarWriter, srcPath, name); err != nil {
			return fmt.Errorf("add %s to archive: %w", name, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, srcPath, name string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// calculateChecksum returns the sha256 of the file at path, prefixed
// "sha256:" so it is self-describing in the metadata manifest.
func (s *BackupService) calculateChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// ListLocal returns the backup archives present in dir, newest first.
func (s *BackupService) ListLocal(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "warden-backup-") || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		ts, err := parseBackupTimestamp(entry.Name())
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{Filename: entry.Name(), Timestamp: ts, SizeBytes: info.Size()})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

func parseBackupTimestamp(filename string) (time.Time, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(filename, "warden-backup-"), ".tar.gz")
	return time.Parse("2006-01-02-150405", trimmed)
}

// RotateOldBackups deletes local backups beyond retentionDays, always
// keeping at least minBackupsToKeep regardless of age.
func (s *BackupService) RotateOldBackups(dir string, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	backups, err := s.ListLocal(dir)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, backup := range backups[minBackupsToKeep:] {
		if backup.Timestamp.After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, backup.Filename)); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("filename", backup.Filename).Msg("failed to remove expired backup")
			continue
		}
		s.log.Info().Str("filename", backup.Filename).Msg("expired backup removed")
	}
	return nil
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}
	return destFile.Sync()
}

func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// R2BackupService composes a BackupService with an R2Client to produce
// and ship off-site backups, then enforce a retention window in the
// bucket the same way it is enforced on disk.
type R2BackupService struct {
	r2Client      *R2Client
	backupService *BackupService
	dataDir       string
	log           zerolog.Logger
}

// NewR2BackupService constructs an R2BackupService.
func NewR2BackupService(r2Client *R2Client, backupService *BackupService, dataDir string, log zerolog.Logger) *R2BackupService {
	return &R2BackupService{
		r2Client:      r2Client,
		backupService: backupService,
		dataDir:       dataDir,
		log:           log.With().Str("service", "r2_backup").Logger(),
	}
}

// Run creates a local backup archive, uploads it to R2, and rotates
// backups beyond retentionDays both locally and in the bucket.
func (s *R2BackupService) Run(ctx context.Context, retentionDays int) (BackupInfo, error) {
	stagingDir := filepath.Join(s.dataDir, "backups")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return BackupInfo{}, fmt.Errorf("create backup dir: %w", err)
	}

	info, err := s.backupService.Create(ctx, stagingDir)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("create backup: %w", err)
	}

	archivePath := filepath.Join(stagingDir, info.Filename)
	file, err := os.Open(archivePath)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	if err := s.r2Client.Upload(ctx, info.Filename, file, info.SizeBytes); err != nil {
		return BackupInfo{}, fmt.Errorf("upload to r2: %w", err)
	}

	if err := s.backupService.RotateOldBackups(stagingDir, retentionDays); err != nil {
		s.log.Warn().Err(err).Msg("local backup rotation failed")
	}
	if err := s.rotateRemote(ctx, retentionDays); err != nil {
		s.log.Warn().Err(err).Msg("remote backup rotation failed")
	}

	return info, nil
}

func (s *R2BackupService) rotateRemote(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	objects, err := s.r2Client.List(ctx, "warden-backup-")
	if err != nil {
		return err
	}
	if len(objects) <= minBackupsToKeep {
		return nil
	}

	var backups []BackupInfo
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		ts, err := parseBackupTimestamp(*obj.Key)
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{Filename: *obj.Key, Timestamp: ts})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, backup := range backups[minBackupsToKeep:] {
		if backup.Timestamp.After(cutoff) {
			continue
		}
		if err := s.r2Client.Delete(ctx, backup.Filename); err != nil {
			s.log.Warn().Err(err).Str("filename", backup.Filename).Msg("failed to delete expired remote backup")
			continue
		}
	}
	return nil
}
