// Package store persists scan sessions as flat, tab-delimited record files,
// one file per session. The format is deliberately line-oriented so stuck
// sessions can be inspected with grep/cut during an incident. Every write
// replaces the whole file atomically via a temp file and rename.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/scanventory/internal/models"
)

var (
	// ErrNotFound indicates no record file exists for the session id.
	ErrNotFound = errors.New("session record not found")
	// ErrCorrupt indicates a record file exists but could not be parsed.
	// The file is left on disk for diagnostics.
	ErrCorrupt = errors.New("session record corrupt")
	// ErrPersistence indicates a durable read or write failed at the
	// filesystem level. Fatal for the operation, never retried silently.
	ErrPersistence = errors.New("session record persistence failure")
)

const (
	formatVersion = "1"
	fileExt       = ".scan"

	sessionTag = "scan"
	imageTag   = "img"
)

// Store reads and writes session record files under a data directory.
// Live sessions live in <dir>/sessions, archived ones in <dir>/archive.
type Store struct {
	sessionsDir string
	archiveDir  string
}

// New creates a Store rooted at dataDir.
func New(dataDir string) *Store {
	return &Store{
		sessionsDir: filepath.Join(dataDir, "sessions"),
		archiveDir:  filepath.Join(dataDir, "archive"),
	}
}

// Path returns the live record file path for a session id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.sessionsDir, id+fileExt)
}

func (s *Store) archivePath(id string) string {
	return filepath.Join(s.archiveDir, id+fileExt)
}

// validateID rejects ids that could escape the data directory.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// Write serializes the full session state and atomically replaces the live
// record file. A crash mid-write leaves either the old or the new complete
// file, never a mix.
func (s *Store) Write(session *models.ScanSession) error {
	if err := validateID(session.ID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.sessionsDir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w: %w", ErrPersistence, err)
	}

	var b strings.Builder
	writeSessionRow(&b, session)
	for i := range session.Images {
		writeImageRow(&b, &session.Images[i])
	}

	tmp, err := os.CreateTemp(s.sessionsDir, session.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w: %w", ErrPersistence, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp record: %w: %w", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp record: %w: %w", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp record: %w: %w", ErrPersistence, err)
	}
	if err := os.Rename(tmpPath, s.Path(session.ID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp record: %w: %w", ErrPersistence, err)
	}
	return nil
}

// Read parses the live record file for a session id. A missing file returns
// ErrNotFound; an unparseable file returns an error wrapping ErrCorrupt and
// the file is preserved on disk.
func (s *Store) Read(id string) (*models.ScanSession, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("open record: %w: %w", ErrPersistence, err)
	}
	defer f.Close()

	var session *models.ScanSession
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		switch fields[0] {
		case sessionTag:
			if session != nil {
				return nil, corruptErr(id, lineNum, "duplicate session row")
			}
			session, err = parseSessionRow(fields)
		case imageTag:
			if session == nil {
				return nil, corruptErr(id, lineNum, "image row before session row")
			}
			var rec models.ImageRecord
			rec, err = parseImageRow(fields)
			if err == nil {
				session.Images = append(session.Images, rec)
			}
		default:
			err = fmt.Errorf("unknown row tag %q", fields[0])
		}
		if err != nil {
			return nil, corruptErr(id, lineNum, err.Error())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read record: %w: %w", ErrPersistence, err)
	}
	if session == nil {
		return nil, corruptErr(id, 0, "missing session row")
	}
	return session, nil
}

// ListIDs enumerates the ids of all non-archived record files.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w: %w", ErrPersistence, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	return ids, nil
}

// Archive moves the record file into the archive directory, excluding the
// session from future recovery scans. Archiving an already-archived session
// is a no-op.
func (s *Store) Archive(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	live := s.Path(id)
	if _, err := os.Stat(live); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat record: %w: %w", ErrPersistence, err)
		}
		// Already archived is fine; never archived at all is not.
		if _, aerr := os.Stat(s.archivePath(id)); aerr == nil {
			return nil
		}
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err := os.MkdirAll(s.archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w: %w", ErrPersistence, err)
	}
	if err := os.Rename(live, s.archivePath(id)); err != nil {
		return fmt.Errorf("archive record: %w: %w", ErrPersistence, err)
	}
	return nil
}

// ReadArchived parses an archived record file.
func (s *Store) ReadArchived(id string) (*models.ScanSession, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.archivePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("open archived record: %w: %w", ErrPersistence, err)
	}
	return parseAll(id, string(data))
}

// ListArchivedIDs enumerates the ids of all archived record files.
func (s *Store) ListArchivedIDs() ([]string, error) {
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w: %w", ErrPersistence, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	return ids, nil
}

func parseAll(id, data string) (*models.ScanSession, error) {
	var session *models.ScanSession
	for lineNum, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		var err error
		switch fields[0] {
		case sessionTag:
			session, err = parseSessionRow(fields)
		case imageTag:
			if session == nil {
				return nil, corruptErr(id, lineNum+1, "image row before session row")
			}
			var rec models.ImageRecord
			rec, err = parseImageRow(fields)
			if err == nil {
				session.Images = append(session.Images, rec)
			}
		default:
			err = fmt.Errorf("unknown row tag %q", fields[0])
		}
		if err != nil {
			return nil, corruptErr(id, lineNum+1, err.Error())
		}
	}
	if session == nil {
		return nil, corruptErr(id, 0, "missing session row")
	}
	return session, nil
}

func corruptErr(id string, line int, msg string) error {
	return fmt.Errorf("session %s line %d: %s: %w", id, line, msg, ErrCorrupt)
}

// Row layout:
//
//	scan <TAB> version <TAB> id <TAB> status <TAB> created <TAB> updated <TAB> location
//	img  <TAB> index <TAB> state <TAB> retries <TAB> removed <TAB> token <TAB> claimedAt <TAB> lastError <TAB> source <TAB> result
//
// Free-text fields are strconv.Quote-escaped so rows stay single-line.

func writeSessionRow(b *strings.Builder, s *models.ScanSession) {
	fmt.Fprintf(b, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		sessionTag,
		formatVersion,
		s.ID,
		s.Status,
		formatTime(s.CreatedAt),
		formatTime(s.UpdatedAt),
		strconv.Quote(s.Location),
	)
}

func writeImageRow(b *strings.Builder, r *models.ImageRecord) {
	removed := "0"
	if r.Removed {
		removed = "1"
	}
	fmt.Fprintf(b, "%s\t%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
		imageTag,
		r.Index,
		r.State,
		r.RetryCount,
		removed,
		r.ClaimToken,
		formatTime(r.ClaimedAt),
		strconv.Quote(r.LastError),
		strconv.Quote(r.Source),
		strconv.Quote(r.Result),
	)
}

func parseSessionRow(fields []string) (*models.ScanSession, error) {
	if len(fields) != 7 {
		return nil, fmt.Errorf("session row has %d fields, want 7", len(fields))
	}
	if fields[1] != formatVersion {
		return nil, fmt.Errorf("unsupported record version %q", fields[1])
	}
	created, err := parseTime(fields[4])
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	updated, err := parseTime(fields[5])
	if err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	location, err := strconv.Unquote(fields[6])
	if err != nil {
		return nil, fmt.Errorf("location: %w", err)
	}
	return &models.ScanSession{
		ID:        fields[2],
		Status:    models.SessionStatus(fields[3]),
		Location:  location,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func parseImageRow(fields []string) (models.ImageRecord, error) {
	var rec models.ImageRecord
	if len(fields) != 10 {
		return rec, fmt.Errorf("image row has %d fields, want 10", len(fields))
	}
	index, err := strconv.Atoi(fields[1])
	if err != nil {
		return rec, fmt.Errorf("index: %w", err)
	}
	retries, err := strconv.Atoi(fields[3])
	if err != nil {
		return rec, fmt.Errorf("retry_count: %w", err)
	}
	if fields[4] != "0" && fields[4] != "1" {
		return rec, fmt.Errorf("removed flag %q", fields[4])
	}
	claimedAt, err := parseTime(fields[6])
	if err != nil {
		return rec, fmt.Errorf("claimed_at: %w", err)
	}
	lastError, err := strconv.Unquote(fields[7])
	if err != nil {
		return rec, fmt.Errorf("last_error: %w", err)
	}
	source, err := strconv.Unquote(fields[8])
	if err != nil {
		return rec, fmt.Errorf("source: %w", err)
	}
	result, err := strconv.Unquote(fields[9])
	if err != nil {
		return rec, fmt.Errorf("result: %w", err)
	}
	rec = models.ImageRecord{
		Index:      index,
		Source:     source,
		State:      models.ImageState(fields[2]),
		RetryCount: retries,
		Removed:    fields[4] == "1",
		ClaimToken: fields[5],
		ClaimedAt:  claimedAt,
		LastError:  lastError,
		Result:     result,
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "-" || s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
