package afs

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gotomicro/ego/core/elog"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/orcastor/afs/core"
)

// On-disk layout of a rollback stack file:
//
//	header:  magic "AFSR" | version u16 | reserved u16 | generation u64 | next seq u64 | sealed at u64 | xxh3 u64
//	records: length u32 | xxh3(flags+payload) u64 | flags u8 | payload
//
// Of the two files the one with a valid header and the highest generation is active.
// Generation 0 marks a file that is still being compacted.
const (
	stackMagic   = "AFSR"
	stackVersion = 1

	headerSize    = 40
	recHeaderSize = 13

	recPush   byte = 1
	recPop    byte = 2
	flagZstd  byte = 0x80
	kindMask  byte = 0x0f
	zstdAbove      = 4 << 10

	maxRecordSize = 256 << 20
)

var stackFiles = [2]string{"rollback-stack.a", "rollback-stack.b"}

// Entry is an operation waiting on the stack with its sequence number.
type Entry struct {
	Seq uint64    `json:"seq"`
	Op  Operation `json:"op"`
}

type record struct {
	Seq uint64     `json:"seq"`
	Op  *Operation `json:"op,omitempty"`
}

type header struct {
	gen      uint64
	nextSeq  uint64
	sealedAt int64
}

// Stack is the durable queue of staged operations of one participant.
// Push and PopConfirmed return only after the record reached the disk.
type Stack struct {
	mu      sync.Mutex
	dir     string
	maxSize int64
	maxAge  time.Duration

	files  [2]*os.File
	active int
	hdr    header
	size   int64 // bytes in the active file

	live map[uint64]Entry

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenStack loads the stack in dir, replays the active file and drops a torn tail.
func OpenStack(dir string, maxSize int64, maxAge time.Duration) (*Stack, error) {
	if err := os.MkdirAll(dir, 0o766); err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ERR_OPEN_FILE)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	s := &Stack{
		dir:     dir,
		maxSize: maxSize,
		maxAge:  maxAge,
		live:    map[uint64]Entry{},
		enc:     enc,
		dec:     dec,
	}
	if err := s.open(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) open() error {
	var hdrs [2]*header
	for i, name := range stackFiles {
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_RDWR|os.O_CREATE, 0o666)
		if err != nil {
			return fmt.Errorf("%v: %w", err, core.ERR_OPEN_FILE)
		}
		s.files[i] = f
		hdrs[i] = readHeader(f)
	}
	syncDir(s.dir)

	switch {
	case hdrs[0] == nil && hdrs[1] == nil:
		// fresh stack, or a crash before the first header was sealed
		s.active = 0
		s.hdr = header{gen: 1, nextSeq: 1, sealedAt: time.Now().Unix()}
		if err := s.seal(s.files[0], s.hdr); err != nil {
			return err
		}
		s.size = headerSize
		return s.truncate(s.files[1], 0)
	case hdrs[1] == nil || (hdrs[0] != nil && hdrs[0].gen > hdrs[1].gen):
		s.active = 0
	default:
		s.active = 1
	}
	s.hdr = *hdrs[s.active]

	maxSeq, good, err := s.replay(s.files[s.active])
	if err != nil {
		return err
	}
	fi, err := s.files[s.active].Stat()
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ERR_READ_FILE)
	}
	if fi.Size() > good {
		elog.Warn("rollback stack torn tail truncated", elog.String("dir", s.dir),
			elog.Int64("size", fi.Size()), elog.Int64("good", good))
		if err := s.truncate(s.files[s.active], good); err != nil {
			return err
		}
	}
	s.size = good
	if s.hdr.nextSeq <= maxSeq {
		s.hdr.nextSeq = maxSeq + 1
	}
	// the other file is either an older generation or an unfinished compaction
	return s.truncate(s.files[1-s.active], 0)
}

func readHeader(f *os.File) *header {
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil
	}
	if string(buf[:4]) != stackMagic || binary.BigEndian.Uint16(buf[4:6]) != stackVersion {
		return nil
	}
	if xxh3.Hash(buf[:32]) != binary.BigEndian.Uint64(buf[32:40]) {
		return nil
	}
	h := &header{
		gen:      binary.BigEndian.Uint64(buf[8:16]),
		nextSeq:  binary.BigEndian.Uint64(buf[16:24]),
		sealedAt: int64(binary.BigEndian.Uint64(buf[24:32])),
	}
	if h.gen == 0 {
		return nil
	}
	return h
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf, stackMagic)
	binary.BigEndian.PutUint16(buf[4:6], stackVersion)
	binary.BigEndian.PutUint64(buf[8:16], h.gen)
	binary.BigEndian.PutUint64(buf[16:24], h.nextSeq)
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.sealedAt))
	binary.BigEndian.PutUint64(buf[32:40], xxh3.Hash(buf[:32]))
	return buf
}

func (s *Stack) seal(f *os.File, h header) error {
	if _, err := f.WriteAt(encodeHeader(h), 0); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	if err := f.Sync(); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	return nil
}

func (s *Stack) truncate(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	if err := f.Sync(); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	return nil
}

// replay loads records until the first invalid one and returns the offset right after
// the last good record.
func (s *Stack) replay(f *os.File) (maxSeq uint64, good int64, err error) {
	good = headerSize
	r := io.NewSectionReader(f, headerSize, 1<<62)
	hdr := make([]byte, recHeaderSize)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			return maxSeq, good, nil
		}
		n := binary.BigEndian.Uint32(hdr[0:4])
		sum := binary.BigEndian.Uint64(hdr[4:12])
		flags := hdr[12]
		if n == 0 || n > maxRecordSize {
			return maxSeq, good, nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return maxSeq, good, nil
		}
		h := xxh3.New()
		h.Write([]byte{flags})
		h.Write(payload)
		if h.Sum64() != sum {
			return maxSeq, good, nil
		}

		rec, err := s.decode(flags, payload)
		if err != nil {
			return maxSeq, good, nil
		}
		switch flags & kindMask {
		case recPush:
			if rec.Op == nil {
				return maxSeq, good, fmt.Errorf("push record %d without operation: %w", rec.Seq, core.ERR_STACK_CORRUPTED)
			}
			s.live[rec.Seq] = Entry{Seq: rec.Seq, Op: *rec.Op}
		case recPop:
			delete(s.live, rec.Seq)
		default:
			return maxSeq, good, nil
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		good += recHeaderSize + int64(n)
	}
}

func (s *Stack) decode(flags byte, payload []byte) (rec record, err error) {
	if flags&flagZstd != 0 {
		if payload, err = s.dec.DecodeAll(payload, nil); err != nil {
			return rec, err
		}
	}
	err = json.Unmarshal(payload, &rec)
	return rec, err
}

func (s *Stack) encode(kind byte, rec record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	flags := kind
	if len(payload) > zstdAbove {
		payload = s.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags |= flagZstd
	}
	h := xxh3.New()
	h.Write([]byte{flags})
	h.Write(payload)

	buf := make([]byte, recHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[4:12], h.Sum64())
	buf[12] = flags
	copy(buf[recHeaderSize:], payload)
	return buf, nil
}

// append writes one record at the end of the active file and fsyncs it.
// must be called under s.mu
func (s *Stack) append(kind byte, rec record) error {
	buf, err := s.encode(kind, rec)
	if err != nil {
		return err
	}
	f := s.files[s.active]
	if _, err := f.WriteAt(buf, s.size); err != nil {
		// cut whatever part of the record made it, replay would drop it anyway
		f.Truncate(s.size)
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	if err := f.Sync(); err != nil {
		f.Truncate(s.size)
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	s.size += int64(len(buf))
	return nil
}

// Push appends op and returns once it is durable.
func (s *Stack) Push(op Operation) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.maybeSwap(); err != nil {
		return Entry{}, err
	}
	op.Data = nil
	e := Entry{Seq: s.hdr.nextSeq, Op: op}
	if err := s.append(recPush, record{Seq: e.Seq, Op: &op}); err != nil {
		return Entry{}, err
	}
	s.hdr.nextSeq++
	s.live[e.Seq] = e
	return e, nil
}

// PopConfirmed marks the entry with seq as done. Unknown sequence numbers are ignored.
func (s *Stack) PopConfirmed(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[seq]; !ok {
		return nil
	}
	if err := s.append(recPop, record{Seq: seq}); err != nil {
		return err
	}
	delete(s.live, seq)
	return s.maybeSwap()
}

// must be called under s.mu
func (s *Stack) maybeSwap() error {
	if s.size <= headerSize {
		return nil
	}
	tooBig := s.maxSize > 0 && s.size > s.maxSize
	tooOld := s.maxAge > 0 && time.Since(time.Unix(s.hdr.sealedAt, 0)) > s.maxAge
	if !tooBig && !tooOld {
		return nil
	}
	return s.swap()
}

// swap rewrites the live entries into the inactive file and makes it active.
// must be called under s.mu
func (s *Stack) swap() error {
	next := 1 - s.active
	f := s.files[next]
	if err := s.truncate(f, 0); err != nil {
		return err
	}
	// unsealed until every live entry is down
	if _, err := f.WriteAt(make([]byte, headerSize), 0); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	size := int64(headerSize)
	for _, e := range s.sortedLocked() {
		op := e.Op
		buf, err := s.encode(recPush, record{Seq: e.Seq, Op: &op})
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(buf, size); err != nil {
			return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
		}
		size += int64(len(buf))
	}
	if err := f.Sync(); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}

	hdr := header{gen: s.hdr.gen + 1, nextSeq: s.hdr.nextSeq, sealedAt: time.Now().Unix()}
	if err := s.seal(f, hdr); err != nil {
		return err
	}
	old := s.active
	s.active, s.hdr, s.size = next, hdr, size
	elog.Info("rollback stack swapped", elog.String("dir", s.dir),
		elog.Any("generation", hdr.gen), elog.Int("live", len(s.live)))
	// a crash before this truncate is resolved on open by the higher generation
	return s.truncate(s.files[old], 0)
}

// must be called under s.mu
func (s *Stack) sortedLocked() []Entry {
	res := make([]Entry, 0, len(s.live))
	for _, e := range s.live {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	return res
}

// Entries returns every unconfirmed entry in push order.
func (s *Stack) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// EntriesOf returns the unconfirmed entries of one transaction in push order.
func (s *Stack) EntriesOf(txID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Entry
	for _, e := range s.sortedLocked() {
		if e.Op.TxID == txID {
			res = append(res, e)
		}
	}
	return res
}

func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Generation of the active file, bumped by every swap.
func (s *Stack) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hdr.gen
}

// Size of the active file in bytes.
func (s *Stack) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.files {
		if f != nil {
			f.Close()
			s.files[i] = nil
		}
	}
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	return nil
}
