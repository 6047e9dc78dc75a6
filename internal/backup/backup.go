// Package backup writes and restores zstd-compressed tar archives of the
// gateway state: a consistent database snapshot plus the document and
// media directories.
package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"
)

const (
	SectionDatabase = "database"
	SectionDocs     = "docs"
	SectionMedia    = "media"
)

type Snapshotter interface {
	Snapshot(path string) error
}

// Layout names the live locations that make up one installation.
type Layout struct {
	DBPath   string
	DocsDir  string
	MediaDir string
}

func (l Layout) dir(section string) string {
	switch section {
	case SectionDatabase:
		if l.DBPath == "" {
			return ""
		}
		return filepath.Dir(l.DBPath)
	case SectionDocs:
		return l.DocsDir
	case SectionMedia:
		return l.MediaDir
	}
	return ""
}

// Create writes an archive of every section present in l to w and returns
// the number of sections written.
func Create(ctx context.Context, db Snapshotter, l Layout, w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	written := 0
	if db != nil && l.DBPath != "" {
		tmp, err := os.MkdirTemp("", "postdeck-backup-")
		if err != nil {
			return 0, fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)

		if err := db.Snapshot(filepath.Join(tmp, filepath.Base(l.DBPath))); err != nil {
			return 0, err
		}
		slog.Info("backing up section", "name", SectionDatabase)
		if err := addSection(ctx, tw, SectionDatabase, tmp); err != nil {
			return 0, fmt.Errorf("backup %s: %w", SectionDatabase, err)
		}
		written++
	}

	for _, section := range []string{SectionDocs, SectionMedia} {
		dir := l.dir(section)
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			slog.Warn("skipping missing directory", "section", section, "dir", dir)
			continue
		}
		slog.Info("backing up section", "name", section)
		if err := addSection(ctx, tw, section, dir); err != nil {
			return 0, fmt.Errorf("backup %s: %w", section, err)
		}
		written++
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	return written, nil
}

// addSection copies the tar stream of dir into tw with every entry
// prefixed by the section name.
func addSection(ctx context.Context, tw *tar.Writer, section, dir string) error {
	rc, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar %s: %w", dir, err)
	}
	defer rc.Close()

	src := tar.NewReader(rc)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		rel := strings.TrimLeft(hdr.Name, "./")
		if rel == "" {
			continue
		}
		hdr.Name = path.Join(section, rel)
		if hdr.Typeflag == tar.TypeDir && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if hdr.Size > 0 {
			if _, err := io.Copy(tw, src); err != nil {
				return fmt.Errorf("write tar data: %w", err)
			}
		}
	}
	return nil
}

// Sections lists the sections in an archive without extracting it.
func Sections(r io.Reader) ([]string, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	seen := make(map[string]bool)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		section, _ := splitSectionPath(hdr.Name)
		if section != "" && !seen[section] {
			seen[section] = true
			names = append(names, section)
		}
	}
	return names, nil
}

// Restore unpacks an archive into l. Without overwrite it refuses to touch
// a section whose target already holds data.
func Restore(ctx context.Context, r io.Reader, l Layout, overwrite bool) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	var (
		current string
		pw      *io.PipeWriter
		secTW   *tar.Writer
		untarCh chan error
	)

	finishSection := func() error {
		if secTW == nil {
			return nil
		}
		secTW.Close()
		pw.Close()
		err := <-untarCh
		secTW = nil
		if err != nil {
			return fmt.Errorf("restore %s: %w", current, err)
		}
		return nil
	}

	startSection := func(section string) error {
		dest := l.dir(section)
		if dest == "" {
			return fmt.Errorf("no restore target for section %s", section)
		}
		if !overwrite {
			if err := checkEmpty(section, l); err != nil {
				return err
			}
		}
		if section == SectionDatabase {
			// Stale WAL files would be replayed over the restored snapshot.
			os.Remove(l.DBPath + "-wal")
			os.Remove(l.DBPath + "-shm")
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}

		pr, w := io.Pipe()
		pw = w
		secTW = tar.NewWriter(pw)
		untarCh = make(chan error, 1)
		go func() {
			err := goarchive.Untar(pr, dest, &goarchive.TarOptions{NoLchown: true})
			pr.CloseWithError(err)
			untarCh <- err
		}()

		current = section
		slog.Info("restoring section", "name", section, "dest", dest)
		return nil
	}

	abort := func() {
		if secTW != nil {
			pw.CloseWithError(errors.New("restore aborted"))
			<-untarCh
			secTW = nil
		}
	}

	restored := 0
	for {
		if err := ctx.Err(); err != nil {
			abort()
			return restored, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			abort()
			return restored, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitSectionPath(hdr.Name)
		if section == "" {
			continue
		}
		if section != current {
			if err := finishSection(); err != nil {
				return restored, err
			}
			if err := startSection(section); err != nil {
				return restored, err
			}
			restored++
		}
		if rel == "./" {
			continue
		}

		hdr.Name = rel
		if err := secTW.WriteHeader(hdr); err != nil {
			abort()
			return restored, fmt.Errorf("write tar header: %w", err)
		}
		if hdr.Size > 0 {
			if _, err := io.Copy(secTW, tr); err != nil {
				abort()
				return restored, fmt.Errorf("write tar data: %w", err)
			}
		}
	}

	if err := finishSection(); err != nil {
		return restored, err
	}
	return restored, nil
}

func checkEmpty(section string, l Layout) error {
	if section == SectionDatabase {
		if _, err := os.Stat(l.DBPath); err == nil {
			return fmt.Errorf("database %s already exists, use --overwrite to replace it", l.DBPath)
		}
		return nil
	}
	entries, err := os.ReadDir(l.dir(section))
	if err == nil && len(entries) > 0 {
		return fmt.Errorf("%s directory %s is not empty, use --overwrite to replace files", section, l.dir(section))
	}
	return nil
}

// splitSectionPath splits "docs/publish_jobs.json" into ("docs",
// "publish_jobs.json"). Unknown sections yield an empty name.
func splitSectionPath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		section, rel = name, "./"
	} else {
		section, rel = name[:idx], name[idx+1:]
		if rel == "" {
			rel = "./"
		}
	}

	switch section {
	case SectionDatabase, SectionDocs, SectionMedia:
		return section, rel
	}
	return "", ""
}

func FormatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
