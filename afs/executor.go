package afs

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/orcastor/afs/core"
)

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
	ModTime int64  `json:"mtime"`
}

// Executor stages operations and applies them to the owner trees under root.
type Executor struct {
	root        string // <root>/<owner>/<path>
	stagingRoot string // <stagingRoot>/<txID>/<staged file>
}

func NewExecutor(root, stagingRoot string) (*Executor, error) {
	for _, p := range []string{root, stagingRoot} {
		if err := os.MkdirAll(p, 0o766); err != nil {
			return nil, fmt.Errorf("%v: %w", err, core.ERR_OPEN_FILE)
		}
	}
	return &Executor{root: root, stagingRoot: stagingRoot}, nil
}

func (e *Executor) resolve(owner, p string) (string, error) {
	if err := checkScope(owner, p); err != nil {
		return "", err
	}
	return filepath.Join(e.root, owner, filepath.FromSlash(cleanPath(p))), nil
}

func (e *Executor) StagingDir(txID string) string {
	return filepath.Join(e.stagingRoot, txID)
}

// Stage prepares op for a later Apply. For writes the payload is verified against its
// md5, persisted into the transaction staging dir and verified again after fsync.
// The returned operation carries no payload.
func (e *Executor) Stage(op Operation) (Operation, error) {
	if err := op.Validate(); err != nil {
		return op, err
	}
	if op.Kind != KindWrite {
		return op, nil
	}
	if MD5Hex(op.Data) != op.MD5 {
		return op, fmt.Errorf("payload of %s:%s: %w", op.Owner, op.Path, core.ERR_CHECKSUM_MISMATCH)
	}

	dir := e.StagingDir(op.TxID)
	if err := os.MkdirAll(dir, 0o766); err != nil {
		return op, core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	staged := filepath.Join(dir, uuid.NewString())
	if err := writeFileSync(staged, op.Data); err != nil {
		os.Remove(staged)
		return op, err
	}
	if sum, err := fileMD5(staged, 0, -1); err != nil || sum != op.MD5 {
		os.Remove(staged)
		if err != nil {
			return op, err
		}
		return op, fmt.Errorf("staged copy of %s:%s: %w", op.Owner, op.Path, core.ERR_CHECKSUM_MISMATCH)
	}

	op.StagingPath = staged
	op.Data = nil
	return op, nil
}

// Verify re-checks a staged write before the transaction is prepared.
func (e *Executor) Verify(op Operation) error {
	if op.Kind != KindWrite {
		return nil
	}
	sum, err := fileMD5(op.StagingPath, 0, -1)
	if err != nil {
		return err
	}
	if sum != op.MD5 {
		return fmt.Errorf("staged copy of %s:%s: %w", op.Owner, op.Path, core.ERR_CHECKSUM_MISMATCH)
	}
	return nil
}

// Exists reports whether owner:p is present in the committed tree.
func (e *Executor) Exists(owner, p string) bool {
	full, err := e.resolve(owner, p)
	if err != nil {
		return false
	}
	_, err = os.Lstat(full)
	return err == nil
}

// Apply performs op on the committed tree. Applying an already applied operation is a no-op.
func (e *Executor) Apply(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	src, err := e.resolve(op.Owner, op.Path)
	if err != nil {
		return err
	}
	switch op.Kind {
	case KindWrite:
		return e.applyWrite(op, src)
	case KindDelete:
		if err := os.RemoveAll(src); err != nil {
			return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
		}
		return syncDir(filepath.Dir(src))
	}

	dst, err := e.resolve(op.TargetOwner, op.TargetPath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(src); os.IsNotExist(err) {
		if _, err := os.Lstat(dst); err == nil {
			return nil
		}
		return fmt.Errorf("%s %s:%s: %w", op.Kind, op.Owner, op.Path, core.ERR_NOT_FOUND)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o766); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}

	switch op.Kind {
	case KindCopy:
		tmp := dst + ".afs-tmp"
		os.RemoveAll(tmp)
		if err := copyTree(src, tmp); err != nil {
			os.RemoveAll(tmp)
			return err
		}
		if err := replace(tmp, dst); err != nil {
			return err
		}
	case KindMove:
		if err := replace(src, dst); err != nil {
			return err
		}
		if err := syncDir(filepath.Dir(src)); err != nil {
			return err
		}
	}
	return syncDir(filepath.Dir(dst))
}

func (e *Executor) applyWrite(op Operation, dst string) error {
	data, err := os.ReadFile(op.StagingPath)
	if err != nil {
		if os.IsNotExist(err) {
			// staging is removed only after every entry was applied and popped
			if sum, err := fileMD5(dst, op.Offset, op.Size); err == nil && sum == op.MD5 {
				return nil
			}
			return fmt.Errorf("staged copy of %s:%s missing: %w", op.Owner, op.Path, core.ERR_NOT_FOUND)
		}
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_READ_FILE))
	}
	if MD5Hex(data) != op.MD5 {
		return fmt.Errorf("staged copy of %s:%s: %w", op.Owner, op.Path, core.ERR_CHECKSUM_MISMATCH)
	}
	if sum, err := fileMD5(dst, op.Offset, op.Size); err == nil && sum == op.MD5 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o766); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	if _, err := os.Stat(dst); os.IsNotExist(err) && op.Offset == 0 {
		// new file: write aside and rename into place
		tmp := dst + ".afs-tmp"
		if err := writeFileSync(tmp, data); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, dst); err != nil {
			return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
		}
		return syncDir(filepath.Dir(dst))
	}

	// existing file: patch the range in place, never rewrite the whole file
	f, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_OPEN_FILE))
	}
	defer f.Close()
	if _, err := f.WriteAt(data, op.Offset); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	if err := f.Sync(); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	return nil
}

// RemoveStaging drops the staging dir of a finished transaction.
func (e *Executor) RemoveStaging(txID string) error {
	if err := os.RemoveAll(e.StagingDir(txID)); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	return nil
}

// StagedTransactions lists transaction ids that still own a staging dir.
func (e *Executor) StagedTransactions() ([]string, error) {
	des, err := os.ReadDir(e.stagingRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	ids := make([]string, 0, len(des))
	for _, de := range des {
		if de.IsDir() {
			ids = append(ids, de.Name())
		}
	}
	return ids, nil
}

// List is lock-free and sees committed state only.
func (e *Executor) List(owner, p string, recursive bool) ([]FileEntry, error) {
	base, err := e.resolve(owner, p)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s:%s: %w", owner, p, core.ERR_NOT_FOUND)
		}
		return nil, fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	ownerRoot := filepath.Join(e.root, owner)
	toEntry := func(full string, fi os.FileInfo) FileEntry {
		rel, _ := filepath.Rel(ownerRoot, full)
		fe := FileEntry{Path: "/" + filepath.ToSlash(rel), IsDir: fi.IsDir(), ModTime: fi.ModTime().Unix()}
		if !fi.IsDir() {
			fe.Size = fi.Size()
		}
		return fe
	}
	if !fi.IsDir() {
		return []FileEntry{toEntry(base, fi)}, nil
	}

	var res []FileEntry
	if recursive {
		err = filepath.Walk(base, func(full string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if full == base || strings.HasSuffix(full, ".afs-tmp") {
				return nil
			}
			res = append(res, toEntry(full, fi))
			return nil
		})
	} else {
		var des []os.DirEntry
		des, err = os.ReadDir(base)
		for _, de := range des {
			if strings.HasSuffix(de.Name(), ".afs-tmp") {
				continue
			}
			info, ierr := de.Info()
			if ierr != nil {
				continue
			}
			res = append(res, toEntry(filepath.Join(base, de.Name()), info))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Path < res[j].Path })
	return res, nil
}

// Read returns up to limit bytes from offset, limit < 0 reads to the end.
func (e *Executor) Read(owner, p string, offset, limit int64) ([]byte, error) {
	full, err := e.resolve(owner, p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s:%s: %w", owner, p, core.ERR_NOT_FOUND)
		}
		return nil, fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	if fi.IsDir() || offset < 0 {
		return nil, fmt.Errorf("read %s:%s: %w", owner, p, core.ERR_INVALID_ARGS)
	}
	if offset >= fi.Size() {
		return []byte{}, nil
	}
	if limit < 0 || offset+limit > fi.Size() {
		limit = fi.Size() - offset
	}

	buf := make([]byte, limit)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	return buf[:n], nil
}

// fileMD5 hashes size bytes from offset, size < 0 hashes to the end.
func fileMD5(p string, offset, size int64) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", p, core.ERR_NOT_FOUND)
		}
		return "", core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_READ_FILE))
	}
	defer f.Close()

	var r io.Reader = io.NewSectionReader(f, offset, 1<<62)
	if size >= 0 {
		r = io.NewSectionReader(f, offset, size)
	}
	h := md5.New()
	n, err := io.Copy(h, bufio.NewReaderSize(r, 64*1024))
	if err != nil {
		return "", core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_READ_FILE))
	}
	if size >= 0 && n != size {
		return "", fmt.Errorf("%s: short range: %w", p, core.ERR_CHECKSUM_MISMATCH)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeFileSync(p string, data []byte) error {
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_OPEN_FILE))
	}
	defer f.Close()
	if _, err = f.Write(data); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	if err = f.Sync(); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_OPEN_FILE))
	}
	defer d.Close()
	// some filesystems refuse fsync on directories, the rename itself is still atomic
	d.Sync()
	return nil
}

// replace renames src over dst, clearing a directory at dst first.
func replace(src, dst string) error {
	if fi, err := os.Lstat(dst); err == nil && fi.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	return nil
}

func copyTree(src, dst string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	if !fi.IsDir() {
		return copyFile(src, dst, fi.Mode())
	}
	if err := os.MkdirAll(dst, fi.Mode().Perm()|0o700); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	des, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	for _, de := range des {
		if err := copyTree(filepath.Join(src, de.Name()), filepath.Join(dst, de.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_OPEN_FILE))
	}
	defer out.Close()
	if _, err = io.Copy(out, in); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	if err = out.Sync(); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	return nil
}
