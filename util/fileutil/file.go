package fileutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/option/content"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

// pathSeparators separate path elements in SplitExt and splitParent.
var pathSeparators = func() string {
	if filepath.Separator == '/' {
		return "/"
	}
	return "/" + string(filepath.Separator)
}()

func ReadFileBytes(filename string) ([]byte, error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	buf := &bytes.Buffer{}
	_, readErr := io.Copy(buf, file)
	if readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), err
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

func OpenFile(filename string) (io.ReadCloser, error) {
	return fileSystem.OpenURL(context.Background(), filename)
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		path = filepath.Join(elem...)
	}
	return path
}

// SplitExt splits the final element of path into stem and extension. Only the last
// path element is considered, and leading dots of that element never start an extension,
// so ".env" and "models.d/weights" have no extension. Elements are separated by "/" and by
// the OS path separator, so a backslash is an ordinary character outside Windows.
func SplitExt(path string) (stem, ext string) {
	sep := strings.LastIndexAny(path, pathSeparators)
	base := path[sep+1:]
	dot := strings.LastIndex(base, ".")
	if dot <= 0 || strings.TrimLeft(base[:dot], ".") == "" {
		return path, ""
	}
	return path[:sep+1+dot], base[dot:]
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

// ListFiles returns the names of the regular files directly under dir.
func ListFiles(ctx context.Context, dir string) ([]string, error) {
	objects, err := fileSystem.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		names = append(names, object.Name())
	}
	return names, nil
}

func DeleteFile(filename string) error {
	return fileSystem.Delete(context.Background(), filename)
}

func CreateFile(fileName string, isDir bool) error {
	return fileSystem.Create(context.Background(), fileName, os.ModePerm, isDir)
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

// EnsureDir creates the parent directory of filename when it is missing.
func EnsureDir(filename string) error {
	parent, _ := splitParent(filename)
	if parent == "" {
		return nil
	}
	exists, err := FileExists(parent)
	if err != nil || exists {
		return err
	}
	return CreateFile(parent, true)
}

func splitParent(filename string) (string, string) {
	i := strings.LastIndexAny(filename, pathSeparators)
	if i < 0 {
		return "", filename
	}
	parent := filename[:i]
	if GetPathType(filename) == "S3" && !strings.Contains(strings.TrimPrefix(parent, "s3://"), "/") {
		// bucket root
		return "", filename[i+1:]
	}
	return parent, filename[i+1:]
}

// NewFileWriter replaces filename with a new, empty file and returns a writer to it.
func NewFileWriter(filename string, contentType string) (io.WriteCloser, error) {
	exists, err := FileExists(filename)
	if err != nil {
		return nil, err
	}
	if exists {
		err = fileSystem.Delete(context.Background(), filename)
		if err != nil {
			return nil, err
		}
	}
	if err = EnsureDir(filename); err != nil {
		return nil, err
	}
	if contentType != "" {
		return fileSystem.NewWriter(context.Background(), filename, 0o644, content.NewMeta(content.Type, contentType), option.NewSkipChecksum(true))
	}
	return fileSystem.NewWriter(context.Background(), filename, 0o644, option.NewSkipChecksum(true))
}

// WriteFile writes data to filename, replacing any existing file.
func WriteFile(filename string, data []byte, contentType string) (err error) {
	writer, err := NewFileWriter(filename, contentType)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, CloseFile(writer))
	}()
	_, err = writer.Write(data)
	return err
}
