package afs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/lock"
)

// Kind is the closed set of mutating file operations.
type Kind uint8

const (
	KindWrite Kind = iota + 1
	KindDelete
	KindCopy
	KindMove
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindDelete:
		return "delete"
	case KindCopy:
		return "copy"
	case KindMove:
		return "move"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Operation is a value; build it with NewWrite/NewDelete/NewCopy/NewMove and never mutate it.
type Operation struct {
	Kind        Kind   `json:"kind"`
	Session     string `json:"session,omitempty"`
	TxID        string `json:"tx_id,omitempty"`
	Owner       string `json:"owner"`
	Path        string `json:"path"`
	TargetOwner string `json:"target_owner,omitempty"`
	TargetPath  string `json:"target_path,omitempty"`
	Offset      int64  `json:"offset,omitempty"`
	Size        int64  `json:"size,omitempty"`
	MD5         string `json:"md5,omitempty"`
	// Data travels with the request only, the staged copy lives at StagingPath
	Data        []byte `json:"data,omitempty"`
	StagingPath string `json:"staging_path,omitempty"`
}

func NewWrite(owner, p string, offset int64, data []byte, md5Hex string) Operation {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Operation{
		Kind:   KindWrite,
		Owner:  owner,
		Path:   p,
		Offset: offset,
		Size:   int64(len(buf)),
		MD5:    strings.ToLower(md5Hex),
		Data:   buf,
	}
}

func NewDelete(owner, p string) Operation {
	return Operation{Kind: KindDelete, Owner: owner, Path: p}
}

func NewCopy(owner, p, targetOwner, targetPath string) Operation {
	return Operation{Kind: KindCopy, Owner: owner, Path: p, TargetOwner: targetOwner, TargetPath: targetPath}
}

func NewMove(owner, p, targetOwner, targetPath string) Operation {
	return Operation{Kind: KindMove, Owner: owner, Path: p, TargetOwner: targetOwner, TargetPath: targetPath}
}

// WithTx returns a copy bound to a transaction and session.
func (op Operation) WithTx(txID, session string) Operation {
	op.TxID = txID
	op.Session = session
	if op.Data != nil {
		buf := make([]byte, len(op.Data))
		copy(buf, op.Data)
		op.Data = buf
	}
	return op
}

func (op Operation) hasTarget() bool {
	return op.Kind == KindCopy || op.Kind == KindMove
}

// Locks lists the keys the operation needs, owned by its transaction. Every path also
// takes an intent lock on its ancestors, so a copy or delete of a directory conflicts
// with changes below it. Copy only reads its source, every other path is written.
func (op Operation) Locks() []lock.Lock {
	owner := op.TxID
	var ls []lock.Lock
	add := func(o, p string, mode lock.Mode) {
		intent := lock.IntentExclusive
		if mode == lock.Shared {
			intent = lock.IntentShared
		}
		for _, k := range lock.Ancestors(o, p) {
			ls = append(ls, lock.Lock{Owner: owner, Key: k, Mode: intent})
		}
		ls = append(ls, lock.Lock{Owner: owner, Key: lock.Key(o, p), Mode: mode})
	}
	switch op.Kind {
	case KindCopy:
		add(op.Owner, op.Path, lock.Shared)
		add(op.TargetOwner, op.TargetPath, lock.Exclusive)
	case KindMove:
		add(op.Owner, op.Path, lock.Exclusive)
		add(op.TargetOwner, op.TargetPath, lock.Exclusive)
	default:
		add(op.Owner, op.Path, lock.Exclusive)
	}
	return ls
}

// Validate checks the shape of the operation, never the file tree.
func (op Operation) Validate() error {
	switch op.Kind {
	case KindWrite, KindDelete, KindCopy, KindMove:
	default:
		return fmt.Errorf("unknown operation %s: %w", op.Kind, core.ERR_INVALID_ARGS)
	}
	if err := checkPath(op.Owner, op.Path); err != nil {
		return err
	}
	if op.hasTarget() {
		if err := checkPath(op.TargetOwner, op.TargetPath); err != nil {
			return err
		}
		if op.TargetOwner == op.Owner {
			src, dst := cleanPath(op.Path), cleanPath(op.TargetPath)
			if src == dst {
				return fmt.Errorf("%s onto itself: %w", op.Kind, core.ERR_INVALID_ARGS)
			}
			// the tree would have to contain itself, or replacing the target would drop the source
			if strings.HasPrefix(dst, src+"/") || strings.HasPrefix(src, dst+"/") {
				return fmt.Errorf("%s %s to %s overlaps: %w", op.Kind, src, dst, core.ERR_INVALID_ARGS)
			}
		}
	}
	if op.Kind == KindWrite {
		if op.Offset < 0 {
			return fmt.Errorf("negative offset %d: %w", op.Offset, core.ERR_INVALID_ARGS)
		}
		if b, err := hex.DecodeString(op.MD5); err != nil || len(b) != md5.Size {
			return fmt.Errorf("malformed md5 %q: %w", op.MD5, core.ERR_INVALID_ARGS)
		}
	}
	return nil
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

// checkPath rejects empty owners, the owner root itself and any ".." component.
func checkPath(owner, p string) error {
	if err := checkScope(owner, p); err != nil {
		return err
	}
	if cleanPath(p) == "/" {
		return fmt.Errorf("path %q: %w", p, core.ERR_INVALID_PATH)
	}
	return nil
}

func checkScope(owner, p string) error {
	if owner == "" || owner == "." || owner == ".." || strings.ContainsAny(owner, `/\:`) {
		return fmt.Errorf("owner %q: %w", owner, core.ERR_INVALID_PATH)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(p, `\`, "/"), "/") {
		if seg == ".." {
			return fmt.Errorf("path %q escapes owner root: %w", p, core.ERR_INVALID_PATH)
		}
	}
	return nil
}

// MD5Hex is the checksum format carried by write operations.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
