// Package compressutil streams a file through gzip compression in
// fixed-size blocks, reporting progress after every flushed block and
// cleaning up any partial output on failure.
package compressutil

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

const (
	blockSize = 10 << 20 // 10 MiB
	level     = 6 // gzip compression level
)

// ErrCompressFailed wraps any I/O failure encountered while streaming,
// after the partial .gz output has already been removed.
var ErrCompressFailed = fmt.Errorf("compressutil: compress failed")

// ProgressFunc is called after every flushed block with the number of
// compressed bytes just written.
type ProgressFunc func(bytesWrittenDelta int64)

// Compress reads inputPath and writes a gzip-compressed sibling file
// at inputPath+".gz", returning that path. progress, if non-nil, is
// invoked after each 10 MiB input block is flushed to the output
// file. On any failure the partial output file is removed before the
// wrapped error is returned.
func Compress(inputPath string, progress ProgressFunc) (string, error) {
	outputPath := inputPath + ".gz"

	in, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrCompressFailed, inputPath, err)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrCompressFailed, outputPath, err)
	}

	if err := streamCompress(in, out, progress); err != nil {
		out.Close()
		os.Remove(outputPath)
		return "", err
	}

	if err := out.Close(); err != nil {
		os.Remove(outputPath)
		return "", fmt.Errorf("%w: close %s: %v", ErrCompressFailed, outputPath, err)
	}

	return outputPath, nil
}

// countingWriter tracks how many compressed bytes have reached the
// underlying writer, so progress can be reported in terms of actual
// output volume rather than input bytes consumed.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func streamCompress(in io.Reader, out io.Writer, progress ProgressFunc) error {
	cw := &countingWriter{w: out}
	gw, err := gzip.NewWriterLevel(cw, level)
	if err != nil {
		return fmt.Errorf("%w: init gzip writer: %v", ErrCompressFailed, err)
	}

	buf := make([]byte, blockSize)
	var lastReported int64
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := gw.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: write block: %v", ErrCompressFailed, werr)
			}
			if ferr := gw.Flush(); ferr != nil {
				return fmt.Errorf("%w: flush block: %v", ErrCompressFailed, ferr)
			}
			if progress != nil {
				delta := cw.n - lastReported
				lastReported = cw.n
				progress(delta)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: read block: %v", ErrCompressFailed, rerr)
		}
	}

	if err := gw.Close(); err != nil {
		return fmt.Errorf("%w: close gzip writer: %v", ErrCompressFailed, err)
	}
	if progress != nil {
		if delta := cw.n - lastReported; delta > 0 {
			progress(delta)
		}
	}
	return nil
}
