package s3

import "io"

// orderedWriter lets the s3 downloader write into a pipe. Offsets are not honored,
// parts must arrive in order which requires a downloader concurrency of one.
type orderedWriter struct {
	w io.Writer
}

func (o orderedWriter) WriteAt(p []byte, _ int64) (int, error) {
	return o.w.Write(p)
}
