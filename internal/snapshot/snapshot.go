// Package snapshot implements the snapshot store of spec.md §4.2: a
// metadata+data file pair per snapshot, listing and selecting the latest,
// and pruning to the two most recent.
package snapshot

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/coreraft/raft/internal/codec"
	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/internal/rafterr"
)

const formatVersion uint64 = 1

// maxConfigurationBytes bounds the embedded configuration per spec.md
// §4.2 ("configuration bytes, length as above, ≤1 MiB").
const maxConfigurationBytes = 1 << 20

// keepCount is how many of the most recent snapshots Prune retains, a
// safety margin against races with a concurrent reader (spec.md §4.2).
const keepCount = 2

var nameRE = regexp.MustCompile(`^snapshot-(\d+)-(\d+)-(\d+)\.meta$`)

// Metadata mirrors the on-disk words of spec.md §4.2.
type Metadata struct {
	Term              uint64
	Index             uint64
	Timestamp         uint64
	ConfigurationIndex uint64
	Configuration     conf.Configuration
}

func metaName(m Metadata) string {
	return "snapshot-" + u64(m.Term) + "-" + u64(m.Index) + "-" + u64(m.Timestamp) + ".meta"
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func dataName(metaFile string) string {
	return metaFile[:len(metaFile)-len(".meta")]
}

func parseName(name string) (term, index, timestamp uint64, err error) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, 0, rafterr.New(rafterr.KindMalformed, "not a snapshot metadata file name: %s", name)
	}
	term, _ = strconv.ParseUint(m[1], 10, 64)
	index, _ = strconv.ParseUint(m[2], 10, 64)
	timestamp, _ = strconv.ParseUint(m[3], 10, 64)
	return term, index, timestamp, nil
}

// Store owns the snapshot directory for one replica.
type Store struct {
	dir string
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, rafterr.Wrap(rafterr.KindIOError, err)
	}
	return &Store{dir: dir}, nil
}

// Put writes metadata then data, fsyncs the directory, and finally
// invokes Prune, per spec.md §4.2. Only once both files exist is the
// snapshot considered valid; a crash between the two steps leaves an
// orphaned metadata file that the next List cleans up.
func (s *Store) Put(m Metadata, data []byte) error {
	if err := m.Configuration.Validate(); err != nil {
		return rafterr.New(rafterr.KindMalformed, "%v", err)
	}
	cfgBytes := conf.Encode(m.Configuration)
	if len(cfgBytes) > maxConfigurationBytes {
		return rafterr.New(rafterr.KindMalformed, "configuration encoding exceeds %d bytes", maxConfigurationBytes)
	}

	metaName := metaName(m)
	metaPath := filepath.Join(s.dir, metaName)
	dataPath := filepath.Join(s.dir, dataName(metaName))

	metaBytes := encodeMeta(m, cfgBytes)
	if err := writeFileSynced(metaPath, metaBytes); err != nil {
		return err
	}
	if err := writeFileSynced(dataPath, data); err != nil {
		return err
	}
	if err := fsyncDir(s.dir); err != nil {
		return err
	}

	return s.Prune()
}

// List returns every valid (metadata file paired with a data file)
// snapshot in the directory, in no particular order.
func (s *Store) List() ([]Metadata, error) {
	names, err := readDirNames(s.dir)
	if err != nil {
		return nil, rafterr.Wrap(rafterr.KindIOError, err)
	}

	var out []Metadata
	var orphans []string
	for _, name := range names {
		if !nameRE.MatchString(name) {
			continue
		}
		dataPath := filepath.Join(s.dir, dataName(name))
		if _, err := os.Stat(dataPath); err != nil {
			orphans = append(orphans, filepath.Join(s.dir, name))
			continue
		}
		term, index, ts, err := parseName(name)
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, rafterr.Wrap(rafterr.KindIOError, err)
		}
		m, err := decodeMeta(raw)
		if err != nil {
			return nil, err
		}
		m.Term, m.Index, m.Timestamp = term, index, ts
		out = append(out, m)
	}
	for _, path := range orphans {
		os.Remove(path)
	}
	return out, nil
}

// moreRecent orders two metadata records by "more recent": higher term
// wins; else higher index; else higher timestamp (spec.md §4.2).
func moreRecent(a, b Metadata) bool {
	if a.Term != b.Term {
		return a.Term > b.Term
	}
	if a.Index != b.Index {
		return a.Index > b.Index
	}
	return a.Timestamp > b.Timestamp
}

// GetLatest lists, sorts by recency, and loads the newest snapshot's
// data alongside its metadata. Returns ok=false if the directory holds no
// valid snapshot.
func (s *Store) GetLatest() (Metadata, []byte, bool, error) {
	all, err := s.List()
	if err != nil {
		return Metadata{}, nil, false, err
	}
	if len(all) == 0 {
		return Metadata{}, nil, false, nil
	}
	sort.Slice(all, func(i, j int) bool { return moreRecent(all[i], all[j]) })
	latest := all[0]
	data, err := os.ReadFile(filepath.Join(s.dir, dataName(metaName(latest))))
	if err != nil {
		return Metadata{}, nil, false, rafterr.Wrap(rafterr.KindIOError, err)
	}
	return latest, data, true, nil
}

// Prune keeps the keepCount most recent snapshots and deletes the rest.
func (s *Store) Prune() error {
	all, err := s.List()
	if err != nil {
		return err
	}
	if len(all) <= keepCount {
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return moreRecent(all[i], all[j]) })
	for _, m := range all[keepCount:] {
		name := metaName(m)
		os.Remove(filepath.Join(s.dir, name))
		os.Remove(filepath.Join(s.dir, dataName(name)))
	}
	return fsyncDir(s.dir)
}

func readDirNames(dir string) ([]string, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.Readdirnames(-1)
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if err := f.Close(); err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	return nil
}

func encodeMeta(m Metadata, cfgBytes []byte) []byte {
	buf := make([]byte, 4*8+len(cfgBytes))
	codec.PutUint64BE(buf[0:8], formatVersion)
	// word[1] (crc) filled in after computing over words[2..]+cfg
	codec.PutUint64BE(buf[16:24], m.ConfigurationIndex)
	codec.PutUint64BE(buf[24:32], uint64(len(cfgBytes)))
	copy(buf[32:], cfgBytes)
	crc := codec.Checksum(buf[16:])
	codec.PutUint64BE(buf[8:16], uint64(crc))
	return buf
}

func decodeMeta(raw []byte) (Metadata, error) {
	if len(raw) < 32 {
		return Metadata{}, rafterr.New(rafterr.KindMalformed, "snapshot metadata shorter than header")
	}
	version := codec.Uint64BE(raw[0:8])
	if version != formatVersion {
		return Metadata{}, rafterr.New(rafterr.KindMalformed, "snapshot metadata format version %d unsupported", version)
	}
	crc := uint32(codec.Uint64BE(raw[8:16]))
	cfgIndex := codec.Uint64BE(raw[16:24])
	cfgLen := codec.Uint64BE(raw[24:32])
	if uint64(len(raw)) < 32+cfgLen {
		return Metadata{}, rafterr.New(rafterr.KindMalformed, "snapshot metadata truncated configuration")
	}
	cfgBytes := raw[32 : 32+cfgLen]
	if codec.Checksum(raw[16:]) != crc {
		return Metadata{}, rafterr.New(rafterr.KindCorrupt, "snapshot metadata checksum mismatch")
	}
	configuration, err := conf.Decode(cfgBytes)
	if err != nil {
		return Metadata{}, rafterr.Wrap(rafterr.KindCorrupt, err)
	}

	return Metadata{ConfigurationIndex: cfgIndex, Configuration: configuration}, nil
}
