package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lysyi3m/job-comb/app/feed"
)

const CombinedFileName = feed.CombinedStreamName + ".jsonl"

// CombinedArtifact describes the merged record stream of a run.
type CombinedArtifact struct {
	Path            string `json:"path"`
	GzipPath        string `json:"gzip_path"`
	Bytes           int64  `json:"bytes"`
	CompressedBytes int64  `json:"compressed_bytes"`
	Feeds           int    `json:"feeds"`
	TotalItems      int    `json:"total_items"`
}

// Combine concatenates each feed's record stream, in feed order, into one
// file and gzips it. Feeds without a stream are skipped.
func Combine(ctx context.Context, feeds []*feed.Config, outputDir string, totalItems int, log feed.LogSink) (*CombinedArtifact, error) {
	if log == nil {
		log = feed.DiscardLog
	}

	path := filepath.Join(outputDir, CombinedFileName)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, &feed.IOError{Op: "open", Path: path, Err: err}
	}

	artifact := &CombinedArtifact{
		Path:       path,
		GzipPath:   path + ".gz",
		TotalItems: totalItems,
	}

	for _, fc := range feeds {
		if err := ctx.Err(); err != nil {
			out.Close()
			return nil, err
		}

		src := filepath.Join(outputDir, fc.Name+".jsonl")
		if src == path {
			log.Append("[%s] skipped in combined file: id collides with the combined output", fc.Name)
			continue
		}

		n, err := appendStream(out, src)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			log.Append("[%s] skipped in combined file: %v", fc.Name, err)
			// Drop whatever part of this feed made it in.
			if truncErr := truncateTo(out, artifact.Bytes); truncErr != nil {
				out.Close()
				return nil, &feed.IOError{Op: "truncate", Path: path, Err: truncErr}
			}
			continue
		}
		artifact.Bytes += n
		artifact.Feeds++
	}

	if err := out.Close(); err != nil {
		return nil, &feed.IOError{Op: "close", Path: path, Err: err}
	}
	if err := os.Chmod(path, 0644); err != nil {
		return nil, &feed.IOError{Op: "chmod", Path: path, Err: err}
	}

	compressed, err := GzipFile(path, artifact.GzipPath)
	if err != nil {
		return nil, &feed.IOError{Op: "gzip", Path: artifact.GzipPath, Err: err}
	}
	artifact.CompressedBytes = compressed

	log.Append("combined %d feed(s), %d bytes (%d gzipped)", artifact.Feeds, artifact.Bytes, artifact.CompressedBytes)
	slog.Info("Combined file written", "path", path, "feeds", artifact.Feeds, "bytes", artifact.Bytes, "gzip_bytes", compressed, "items", totalItems)

	return artifact, nil
}

// appendStream copies src onto the end of out.
func appendStream(out *os.File, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return n, nil
}

func truncateTo(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	_, err := f.Seek(size, io.SeekStart)
	return err
}
