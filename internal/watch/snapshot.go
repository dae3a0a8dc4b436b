package watch

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/gluk-w/webssh/internal/logutil"
)

// Kind classifies a snapshot.
type Kind int

const (
	KindError Kind = iota
	KindFile
	KindDirectory
)

// Stat is the metadata reported for a path or directory entry.
type Stat struct {
	Size           int64  `json:"size"`
	Mode           uint32 `json:"mode"`
	ModeString     string `json:"modeString"`
	MtimeMs        int64  `json:"mtimeMs"`
	IsFile         bool   `json:"isFile"`
	IsDirectory    bool   `json:"isDirectory"`
	IsSymbolicLink bool   `json:"isSymbolicLink"`
}

// Snapshot describes a path at one point in time. It marshals to exactly
// one of
//
//	{"file": stat, "path": p}
//	{"directory": stat, "files": {name: stat}, "path": p}
//	{"error": message, "path": p}
type Snapshot struct {
	Kind  Kind
	Path  string
	Stat  Stat
	Files map[string]Stat
	Err   string
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case KindFile:
		return json.Marshal(struct {
			File Stat   `json:"file"`
			Path string `json:"path"`
		}{s.Stat, s.Path})
	case KindDirectory:
		files := s.Files
		if files == nil {
			files = map[string]Stat{}
		}
		return json.Marshal(struct {
			Directory Stat            `json:"directory"`
			Files     map[string]Stat `json:"files"`
			Path      string          `json:"path"`
		}{s.Stat, files, s.Path})
	default:
		return json.Marshal(struct {
			Error string `json:"error"`
			Path  string `json:"path"`
		}{s.Err, s.Path})
	}
}

// ErrorSnapshot reports err for path.
func ErrorSnapshot(path string, err error) Snapshot {
	return Snapshot{Kind: KindError, Path: path, Err: err.Error()}
}

// Take stats path on fsys and classifies it. Directory snapshots include the
// stat of every entry; symbolic links are followed when their target exists.
func Take(fsys afero.Fs, path string) Snapshot {
	info, err := fsys.Stat(path)
	if err != nil {
		return ErrorSnapshot(path, err)
	}

	switch {
	case info.Mode().IsRegular():
		return Snapshot{Kind: KindFile, Path: path, Stat: statOf(info)}
	case info.IsDir():
		entries, err := afero.ReadDir(fsys, path)
		if err != nil {
			return ErrorSnapshot(path, err)
		}
		files := make(map[string]Stat, len(entries))
		for _, entry := range entries {
			st := statOf(entry)
			if entry.Mode()&fs.ModeSymlink != 0 {
				if target, err := fsys.Stat(filepath.Join(path, entry.Name())); err == nil {
					st = statOf(target)
					st.IsSymbolicLink = true
				} else {
					log.Printf("[watch] dangling link %s: %v", logutil.SanitizeForLog(entry.Name()), err)
				}
			}
			files[entry.Name()] = st
		}
		return Snapshot{Kind: KindDirectory, Path: path, Stat: statOf(info), Files: files}
	default:
		return ErrorSnapshot(path, fmt.Errorf("unsupported file type %s", info.Mode().Type()))
	}
}

func statOf(info fs.FileInfo) Stat {
	mode := info.Mode()
	return Stat{
		Size:           info.Size(),
		Mode:           posixMode(mode),
		ModeString:     mode.String(),
		MtimeMs:        info.ModTime().UnixMilli(),
		IsFile:         mode.IsRegular(),
		IsDirectory:    mode.IsDir(),
		IsSymbolicLink: mode&fs.ModeSymlink != 0,
	}
}

// POSIX file type bits, as in st_mode.
const (
	sIFIFO  = 0o010000
	sIFCHR  = 0o020000
	sIFDIR  = 0o040000
	sIFBLK  = 0o060000
	sIFREG  = 0o100000
	sIFLNK  = 0o120000
	sIFSOCK = 0o140000
	sISUID  = 0o4000
	sISGID  = 0o2000
	sISVTX  = 0o1000
)

// posixMode converts an fs.FileMode into st_mode bits.
func posixMode(m fs.FileMode) uint32 {
	out := uint32(m.Perm())
	switch {
	case m.IsDir():
		out |= sIFDIR
	case m&fs.ModeSymlink != 0:
		out |= sIFLNK
	case m&fs.ModeNamedPipe != 0:
		out |= sIFIFO
	case m&fs.ModeSocket != 0:
		out |= sIFSOCK
	case m&fs.ModeDevice != 0 && m&fs.ModeCharDevice != 0:
		out |= sIFCHR
	case m&fs.ModeDevice != 0:
		out |= sIFBLK
	default:
		out |= sIFREG
	}
	if m&fs.ModeSetuid != 0 {
		out |= sISUID
	}
	if m&fs.ModeSetgid != 0 {
		out |= sISGID
	}
	if m&fs.ModeSticky != 0 {
		out |= sISVTX
	}
	return out
}
