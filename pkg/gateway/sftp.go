package gateway

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	sftpclient "github.com/pkg/sftp"
)

var (
	ErrNotDirectory     = errors.New("Path is not a directory")
	ErrNotFile          = errors.New("Path is not a file")
	ErrUploadTooLarge   = errors.New("Upload exceeds limit")
	ErrDownloadTooLarge = errors.New("Download exceeds limit")
	ErrSymlinkLoop      = errors.New("Symlink loop detected")
	ErrDeleteDepth      = errors.New("Delete depth exceeded")
)

const (
	maxSymlinkDepth  = 12
	maxListEntries   = 5000
	maxPreviewBytes  = 256 * 1024
	maxDownloadBytes = 250 << 20
	maxUploadBytes   = 50 << 20
	maxDeleteDepth   = 24
)

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    string    `json:"type"` // "file", "dir", "symlink" or "other"
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// DirListing is a capped directory listing.
type DirListing struct {
	Path      string      `json:"path"`
	Entries   []FileEntry `json:"entries"`
	Truncated bool        `json:"truncated"`
}

// PathInfo describes one path, following symlink chains.
type PathInfo struct {
	Path      string    `json:"path"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	Mode      string    `json:"mode"`
	ModTime   time.Time `json:"mod_time"`
	IsSymlink bool      `json:"is_symlink"`
	Target    string    `json:"target,omitempty"`
}

// Preview is a bounded read of a remote file. Data holds the bytes directly
// for text and base64 for binary.
type Preview struct {
	Kind      string `json:"kind"` // "text" or "binary"
	Data      string `json:"data"`
	BytesRead int64  `json:"bytes_read"`
	TotalSize int64  `json:"total_size"`
	Truncated bool   `json:"truncated"`
}

// DownloadStream hands the remote file to the HTTP layer for streaming.
// Caller closes Reader.
type DownloadStream struct {
	Reader   io.ReadCloser
	Filename string
	Size     int64
	MIME     string
}

// sftpClient returns the session's SFTP client, opening the subsystem on
// first use. Concurrent first callers share a single init via singleflight.
func (s *Session) sftpClient() (*sftpclient.Client, error) {
	s.sftpMu.Lock()
	cli := s.sftpCli
	s.sftpMu.Unlock()
	if cli != nil {
		return cli, nil
	}

	v, err, _ := s.sftpG.Do("init", func() (interface{}, error) {
		cli, err := sftpclient.NewClient(s.client)
		if err != nil {
			return nil, fmt.Errorf("open sftp subsystem: %w", err)
		}
		s.sftpMu.Lock()
		s.sftpCli = cli
		s.sftpMu.Unlock()
		return cli, nil
	})
	if err != nil {
		s.sftpG.Forget("init")
		return nil, err
	}
	return v.(*sftpclient.Client), nil
}

// invalidateSFTP drops a dead client so the next operation re-initializes.
func (s *Session) invalidateSFTP(cli *sftpclient.Client, err error) {
	if !errors.Is(err, io.EOF) && !errors.Is(err, sftpclient.ErrSSHFxConnectionLost) {
		return
	}
	s.sftpMu.Lock()
	if s.sftpCli == cli {
		s.sftpCli = nil
		cli.Close()
	}
	s.sftpMu.Unlock()
	s.sftpG.Forget("init")
}

// normalizeRemotePath canonicalizes a user-supplied remote path: forward
// slashes, no NUL, cleaned. "~" maps to the SFTP working directory, which
// servers set to the login home.
func normalizeRemotePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return "", errors.New("path contains NUL byte")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "~" {
		return ".", nil
	}
	if strings.HasPrefix(p, "~/") {
		p = p[2:]
		if p == "" {
			return ".", nil
		}
	}
	return path.Clean(p), nil
}

// resolveSymlinks follows a symlink chain up to maxSymlinkDepth hops,
// detecting cycles.
func resolveSymlinks(cli *sftpclient.Client, p string) (string, error) {
	seen := make(map[string]bool)
	for depth := 0; depth <= maxSymlinkDepth; depth++ {
		fi, err := cli.Lstat(p)
		if err != nil {
			return "", err
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return p, nil
		}
		if seen[p] {
			return "", ErrSymlinkLoop
		}
		seen[p] = true
		target, err := cli.ReadLink(p)
		if err != nil {
			return "", err
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(p), target)
		}
		p = target
	}
	return "", ErrSymlinkLoop
}

func entryType(mode os.FileMode) string {
	switch {
	case mode.IsDir():
		return "dir"
	case mode&os.ModeSymlink != 0:
		return "symlink"
	case mode.IsRegular():
		return "file"
	default:
		return "other"
	}
}

// ListDirectory lists a remote directory, directories first, capped at
// maxListEntries.
func (s *Session) ListDirectory(p string) (*DirListing, error) {
	cli, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	np, err := normalizeRemotePath(p)
	if err != nil {
		return nil, err
	}
	resolved, err := resolveSymlinks(cli, np)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, err
	}
	fi, err := cli.Stat(resolved)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, fmt.Errorf("stat %s: %w", np, err)
	}
	if !fi.IsDir() {
		return nil, ErrNotDirectory
	}

	infos, err := cli.ReadDir(resolved)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, fmt.Errorf("list %s: %w", np, err)
	}

	sort.Slice(infos, func(i, j int) bool {
		di, dj := infos[i].IsDir(), infos[j].IsDir()
		if di != dj {
			return di
		}
		return infos[i].Name() < infos[j].Name()
	})

	listing := &DirListing{Path: np}
	for _, info := range infos {
		if len(listing.Entries) >= maxListEntries {
			listing.Truncated = true
			break
		}
		listing.Entries = append(listing.Entries, FileEntry{
			Name:    info.Name(),
			Path:    path.Join(np, info.Name()),
			Type:    entryType(info.Mode()),
			Size:    info.Size(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime().UTC(),
		})
	}
	return listing, nil
}

// StatPath describes a path. Symlinks are followed and reported with their
// first-hop target.
func (s *Session) StatPath(p string) (*PathInfo, error) {
	cli, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	np, err := normalizeRemotePath(p)
	if err != nil {
		return nil, err
	}
	fi, err := cli.Lstat(np)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, fmt.Errorf("stat %s: %w", np, err)
	}

	info := &PathInfo{
		Path:    np,
		Type:    entryType(fi.Mode()),
		Size:    fi.Size(),
		Mode:    fi.Mode().String(),
		ModTime: fi.ModTime().UTC(),
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return info, nil
	}

	info.IsSymlink = true
	if target, err := cli.ReadLink(np); err == nil {
		info.Target = target
	}
	resolved, err := resolveSymlinks(cli, np)
	if err != nil {
		return nil, err
	}
	rfi, err := cli.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", resolved, err)
	}
	info.Type = entryType(rfi.Mode())
	info.Size = rfi.Size()
	info.Mode = rfi.Mode().String()
	info.ModTime = rfi.ModTime().UTC()
	return info, nil
}

// ReadPreview reads up to maxPreviewBytes from offset and classifies the
// content as text or binary.
func (s *Session) ReadPreview(p string, offset, limit int64) (*Preview, error) {
	cli, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	np, err := normalizeRemotePath(p)
	if err != nil {
		return nil, err
	}
	resolved, err := resolveSymlinks(cli, np)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, err
	}
	fi, err := cli.Stat(resolved)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, fmt.Errorf("stat %s: %w", np, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, ErrNotFile
	}

	total := fi.Size()
	if limit <= 0 || limit > maxPreviewBytes {
		limit = maxPreviewBytes
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return &Preview{Kind: "text", TotalSize: total}, nil
	}
	want := limit
	if rest := total - offset; rest < want {
		want = rest
	}

	f, err := cli.Open(resolved)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, fmt.Errorf("open %s: %w", np, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", np, err)
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		s.invalidateSFTP(cli, err)
		return nil, fmt.Errorf("read %s: %w", np, err)
	}
	buf = buf[:n]

	preview := &Preview{
		BytesRead: int64(n),
		TotalSize: total,
		Truncated: offset+int64(n) < total,
	}
	if isTextData(buf) {
		preview.Kind = "text"
		preview.Data = string(buf)
	} else {
		preview.Kind = "binary"
		preview.Data = base64.StdEncoding.EncodeToString(buf)
	}
	return preview, nil
}

// isTextData applies the preview heuristic: no NUL bytes and at least 85%
// of bytes printable (including tab, newline, ESC and UTF-8 multibyte).
func isTextData(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	printable := 0
	for _, c := range b {
		switch {
		case c == 0:
			return false
		case c == '\t' || c == '\n' || c == '\r' || c == 0x1b:
			printable++
		case c >= 0x20 && c < 0x7f:
			printable++
		case c >= 0x80:
			printable++
		}
	}
	return printable*100 >= len(b)*85
}

// CreateDownload opens a remote regular file for streaming to the caller.
func (s *Session) CreateDownload(p string) (*DownloadStream, error) {
	cli, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	np, err := normalizeRemotePath(p)
	if err != nil {
		return nil, err
	}
	resolved, err := resolveSymlinks(cli, np)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, err
	}
	fi, err := cli.Stat(resolved)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, fmt.Errorf("stat %s: %w", np, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, ErrNotFile
	}
	if fi.Size() > maxDownloadBytes {
		return nil, ErrDownloadTooLarge
	}

	f, err := cli.Open(resolved)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return nil, fmt.Errorf("open %s: %w", np, err)
	}

	mimeType := mime.TypeByExtension(path.Ext(resolved))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &DownloadStream{
		Reader:   f,
		Filename: path.Base(resolved),
		Size:     fi.Size(),
		MIME:     mimeType,
	}, nil
}

// UploadFile writes data to a remote path, replacing any existing file.
func (s *Session) UploadFile(p string, data []byte) error {
	if int64(len(data)) > maxUploadBytes {
		return ErrUploadTooLarge
	}
	cli, err := s.sftpClient()
	if err != nil {
		return err
	}
	np, err := normalizeRemotePath(p)
	if err != nil {
		return err
	}
	f, err := cli.Create(np)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return fmt.Errorf("create %s: %w", np, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.invalidateSFTP(cli, err)
		return fmt.Errorf("write %s: %w", np, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", np, err)
	}
	return nil
}

// Mkdir creates a remote directory, including missing parents.
func (s *Session) Mkdir(p string) error {
	cli, err := s.sftpClient()
	if err != nil {
		return err
	}
	np, err := normalizeRemotePath(p)
	if err != nil {
		return err
	}
	if err := cli.MkdirAll(np); err != nil {
		s.invalidateSFTP(cli, err)
		return fmt.Errorf("mkdir %s: %w", np, err)
	}
	return nil
}

// Rename moves a remote path.
func (s *Session) Rename(oldPath, newPath string) error {
	cli, err := s.sftpClient()
	if err != nil {
		return err
	}
	op, err := normalizeRemotePath(oldPath)
	if err != nil {
		return err
	}
	np, err := normalizeRemotePath(newPath)
	if err != nil {
		return err
	}
	if err := cli.Rename(op, np); err != nil {
		s.invalidateSFTP(cli, err)
		return fmt.Errorf("rename %s to %s: %w", op, np, err)
	}
	return nil
}

// DeletePath removes a remote path. Symlinks are removed as links, never
// followed. Directories require recursive=true unless empty; recursion is
// bounded by maxDeleteDepth.
func (s *Session) DeletePath(p string, recursive bool) error {
	cli, err := s.sftpClient()
	if err != nil {
		return err
	}
	np, err := normalizeRemotePath(p)
	if err != nil {
		return err
	}
	fi, err := cli.Lstat(np)
	if err != nil {
		s.invalidateSFTP(cli, err)
		return fmt.Errorf("stat %s: %w", np, err)
	}
	if !fi.IsDir() {
		if err := cli.Remove(np); err != nil {
			return fmt.Errorf("delete %s: %w", np, err)
		}
		return nil
	}
	if !recursive {
		if err := cli.RemoveDirectory(np); err != nil {
			return fmt.Errorf("delete %s: %w", np, err)
		}
		return nil
	}
	return deleteTree(cli, np, 1)
}

func deleteTree(cli *sftpclient.Client, p string, depth int) error {
	if depth > maxDeleteDepth {
		return ErrDeleteDepth
	}
	infos, err := cli.ReadDir(p)
	if err != nil {
		return fmt.Errorf("list %s: %w", p, err)
	}
	for _, info := range infos {
		child := path.Join(p, info.Name())
		if info.IsDir() {
			if err := deleteTree(cli, child, depth+1); err != nil {
				return err
			}
			continue
		}
		if err := cli.Remove(child); err != nil {
			return fmt.Errorf("delete %s: %w", child, err)
		}
	}
	if err := cli.RemoveDirectory(p); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}
