package types

import (
	"path/filepath"
	"strings"
)

// DataFileName is the name of the per-job document inside the upload directory.
const DataFileName = "data.json"

// Paths holds the filesystem locations of a job.
// Values are opaque: they are stored and serialized exactly as given.
type Paths struct {
	Upload   string // upload directory of the job
	Data     string // location of data.json
	Blend    string // the .blend file to render
	Frames   string // output directory for rendered frames
	Filename string // original name of the uploaded file
}

// PathsFromUploadDir derives the standard layout for a job uploaded to
// uploadDir:
//
//	data   = <uploadDir>/data.json
//	blend  = <uploadDir>/<blendFile>
//	frames = <uploadDir>/../../frames/<id>
//
// where <id> is the last element of uploadDir. Upload and Filename are kept
// verbatim; the derived fields are built once here and never recomputed.
func PathsFromUploadDir(uploadDir, blendFile string) Paths {
	p := Paths{
		Upload:   uploadDir,
		Filename: blendFile,
	}
	id := p.ID()
	p.Data = filepath.Join(uploadDir, DataFileName)
	p.Blend = filepath.Join(uploadDir, blendFile)
	p.Frames = filepath.Join(uploadDir, "..", "..", "frames", id)
	return p
}

// ID returns the last element of the upload directory, which by convention
// is the job id. Trailing separators are ignored; the stored value is not
// touched.
func (p Paths) ID() string {
	s := strings.TrimRight(p.Upload, `/\`)
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		return s[i+1:]
	}
	return s
}

// IsZero reports whether no path is set.
func (p Paths) IsZero() bool {
	return p == Paths{}
}
