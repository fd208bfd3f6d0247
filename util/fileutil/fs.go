package fileutil

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

// AFS FS abstraction

// AfsFS exposes the files under Root as an fs.FS, so local and s3 model folders
// can be read through the same code.
type AfsFS struct {
	Root string
}

// NewFS returns an fs.FS rooted at dir.
func NewFS(dir string) AfsFS {
	return AfsFS{Root: dir}
}

type AfsFile struct {
	readCloser io.ReadCloser
	path       string
}

type AfsFileInfo struct {
	fileName    string
	fileSize    int64
	fileMode    fs.FileMode
	fileModTime time.Time
	fileIsDir   bool
}

func (fileInfo AfsFileInfo) Name() string {
	return fileInfo.fileName
}

func (fileInfo AfsFileInfo) Size() int64 {
	return fileInfo.fileSize
}

func (fileInfo AfsFileInfo) Mode() fs.FileMode {
	return fileInfo.fileMode
}

func (fileInfo AfsFileInfo) ModTime() time.Time {
	return fileInfo.fileModTime
}

func (fileInfo AfsFileInfo) IsDir() bool {
	return fileInfo.fileIsDir
}

func (fileInfo AfsFileInfo) Sys() any {
	return nil
}

func (file *AfsFile) Stat() (fs.FileInfo, error) {
	object, err := fileSystem.Object(context.Background(), file.path)
	if err != nil {
		return nil, err
	}
	return AfsFileInfo{
		fileName:    object.Name(),
		fileSize:    object.Size(),
		fileMode:    object.Mode(),
		fileModTime: object.ModTime(),
		fileIsDir:   object.IsDir(),
	}, nil
}

func (file *AfsFile) Read(p []byte) (int, error) {
	return file.readCloser.Read(p)
}

// Seek is only supported when the underlying storage reader is seekable.
func (file *AfsFile) Seek(offset int64, whence int) (int64, error) {
	if seeker, ok := file.readCloser.(io.Seeker); ok {
		return seeker.Seek(offset, whence)
	}
	return 0, errors.ErrUnsupported
}

func (file *AfsFile) Close() error {
	return file.readCloser.Close()
}

func (afs AfsFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	fullPath := PathJoinSafe(afs.Root, name)
	exists, err := fileSystem.Exists(context.Background(), fullPath)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	if !exists {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	f, err := fileSystem.OpenURL(context.Background(), fullPath)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &AfsFile{
		readCloser: f,
		path:       fullPath,
	}, nil
}

// end AFS FS abstraction
