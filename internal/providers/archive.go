package providers

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	maxSourceFileBytes  = 64 * 1024
	maxSourceTotalBytes = 1024 * 1024
)

// FlattenTarball turns a gzipped repository tarball into one reviewable text
// payload. Each file is prefixed with a "// file: <path>" marker so analyzer
// findings can be attributed back. Binary files are skipped and the payload
// is size-capped; whole-source review is a sampling pass, not an exhaustive
// one.
func FlattenTarball(r io.Reader) (string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", fmt.Errorf("read tarball: %w", err)
	}
	defer gz.Close()

	var b strings.Builder
	tr := tar.NewReader(gz)
	total := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read tarball entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || hdr.Size == 0 || hdr.Size > maxSourceFileBytes {
			continue
		}
		// Hosts prefix entries with "<repo>-<sha>/".
		name := hdr.Name
		if i := strings.Index(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		if name == "" || skipPath(name) {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxSourceFileBytes))
		if err != nil {
			return "", fmt.Errorf("read %s from tarball: %w", hdr.Name, err)
		}
		if bytes.IndexByte(data, 0) >= 0 {
			continue
		}

		total += len(data)
		if total > maxSourceTotalBytes {
			break
		}

		fmt.Fprintf(&b, "// file: %s\n", name)
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), maxSourceFileBytes)
		for sc.Scan() {
			b.WriteString(sc.Text())
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func skipPath(name string) bool {
	base := path.Base(name)
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, dir := range []string{"vendor/", "node_modules/", "dist/", ".git/"} {
		if strings.HasPrefix(name, dir) || strings.Contains(name, "/"+dir) {
			return true
		}
	}
	switch strings.ToLower(path.Ext(base)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".ico", ".pdf", ".zip", ".gz", ".jar", ".exe", ".so", ".dylib", ".woff", ".woff2", ".ttf", ".lock", ".sum":
		return true
	}
	return false
}
