package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Manifest records what went into one backup archive (spec §4.I /
// SPEC_FULL.md's BackupManifest).
type Manifest struct {
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Databases []DatabaseRecord `json:"databases"`
}

// DatabaseRecord is one database file's metadata within a Manifest.
type DatabaseRecord struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// BackupInfo describes one archive already sitting in the bucket.
type BackupInfo struct {
	Key       string
	Timestamp time.Time
	SizeBytes int64
}

const archivePrefix = "sentinel-otc-backup-"

// CreateAndUpload tars, gzips, and uploads the sqlite files named by
// dbPaths (map of logical name -> file path on disk), alongside a
// sha256-manifest, mirroring the teacher's staging-then-upload shape but
// built in memory rather than via a staging directory, since this
// service's databases are small enough to buffer.
func (c *Client) CreateAndUpload(ctx context.Context, dbPaths map[string]string) (string, error) {
	manifest := Manifest{Timestamp: time.Now().UTC(), Version: "1.0.0"}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := make([]string, 0, len(dbPaths))
	for name := range dbPaths {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := dbPaths[name]
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read database %s for backup: %w", name, err)
		}
		sum := sha256.Sum256(data)
		filename := name + ".db"
		if err := tw.WriteHeader(&tar.Header{Name: filename, Size: int64(len(data)), Mode: 0644, ModTime: time.Now()}); err != nil {
			return "", fmt.Errorf("write tar header for %s: %w", filename, err)
		}
		if _, err := tw.Write(data); err != nil {
			return "", fmt.Errorf("write tar body for %s: %w", filename, err)
		}
		manifest.Databases = append(manifest.Databases, DatabaseRecord{
			Name: name, Filename: filename, SizeBytes: int64(len(data)), SHA256: fmt.Sprintf("sha256:%x", sum),
		})
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal backup manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{Name: "manifest.json", Size: int64(len(manifestJSON)), Mode: 0644, ModTime: time.Now()}); err != nil {
		return "", fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestJSON); err != nil {
		return "", fmt.Errorf("write manifest body: %w", err)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("close gzip writer: %w", err)
	}

	key := fmt.Sprintf("%s%s.tar.gz", archivePrefix, manifest.Timestamp.Format("2006-01-02-150405"))
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", fmt.Errorf("upload backup %s: %w", key, err)
	}

	c.log.Info().Str("key", key).Int("size_bytes", buf.Len()).Int("databases", len(names)).Msg("backup uploaded")
	return key, nil
}

// List returns every backup archive in the bucket, newest first.
func (c *Client) List(ctx context.Context) ([]BackupInfo, error) {
	out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: &c.bucket,
		Prefix: aws.String(archivePrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		ts, ok := parseBackupTimestamp(*obj.Key)
		if !ok {
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{Key: *obj.Key, Timestamp: ts, SizeBytes: size})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// Rotate deletes backups older than retention, always keeping at least
// minKeep of the most recent ones regardless of age (teacher's
// RotateOldBackups floor).
func (c *Client) Rotate(ctx context.Context, retention time.Duration, minKeep int) (int, error) {
	backups, err := c.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("rotate backups: %w", err)
	}

	stale := selectForDeletion(backups, retention, minKeep)
	deleted := 0
	for _, b := range stale {
		if _, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &c.bucket, Key: &b.Key}); err != nil {
			c.log.Error().Err(err).Str("key", b.Key).Msg("failed to delete stale backup")
			continue
		}
		deleted++
	}

	c.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("backup rotation completed")
	return deleted, nil
}

// selectForDeletion picks backups eligible for rotation: assumes backups
// is sorted newest-first, always spares the first minKeep entries, and
// (when retention > 0) spares anything newer than the retention cutoff.
func selectForDeletion(backups []BackupInfo, retention time.Duration, minKeep int) []BackupInfo {
	if len(backups) <= minKeep {
		return nil
	}
	if retention <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-retention)
	var stale []BackupInfo
	for i, b := range backups {
		if i < minKeep {
			continue
		}
		if b.Timestamp.Before(cutoff) {
			stale = append(stale, b)
		}
	}
	return stale
}

func parseBackupTimestamp(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".tar.gz")
	ts, err := time.Parse("2006-01-02-150405", raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
