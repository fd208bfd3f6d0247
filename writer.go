package hugolite

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/knights-analytics/hugolite/util/fileutil"
)

type fileWriter struct{}

// Write streams artifact to path, replacing any existing file.
func (fileWriter) Write(ctx context.Context, path string, artifact io.WriterTo) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := fileutil.NewFileWriter(path, "application/octet-stream")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, fileutil.CloseFile(w))
	}()

	bw := bufio.NewWriterSize(&ctxWriter{ctx: ctx, w: w}, 1<<20)
	if _, err := artifact.WriteTo(bw); err != nil {
		return err
	}
	return bw.Flush()
}

type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *ctxWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}
