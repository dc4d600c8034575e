package content

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"

	"lanmedia/work/catalog"
)

const (
	// RootID is the object id of the root container.
	RootID = "0"

	// NoParentID is reported as the parent of the root container.
	NoParentID = "-1"
)

// ErrBadObjectID is returned for object ids that do not decode to a path. It
// matches catalog.ErrNotFound.
var ErrBadObjectID = fmt.Errorf("bad object id: %w", catalog.ErrNotFound)

// ObjectID encodes a catalog path as a URL-safe object id. Ids are stable
// across restarts since they carry the compressed path itself.
func ObjectID(path string) string {
	if path == "" {
		return NoParentID
	}
	path = catalog.Clean(path)
	if path == catalog.RootPath {
		return RootID
	}

	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.BestCompression)
	w.Write([]byte(path))
	w.Close()
	return base64.RawURLEncoding.EncodeToString(buf.Bytes())
}

// PathOf decodes an object id back into a catalog path.
func PathOf(id string) (string, error) {
	switch id {
	case RootID, "":
		return catalog.RootPath, nil
	case NoParentID:
		return "", ErrBadObjectID
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(id, "="))
	if err != nil {
		return "", ErrBadObjectID
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()

	// paths are short; anything larger is not one of ours
	path, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "", ErrBadObjectID
	}
	if len(path) == 0 || path[0] != '/' {
		return "", ErrBadObjectID
	}
	return catalog.Clean(string(path)), nil
}

// splitStreamName separates "<id><suffix>" as found in stream URLs.
func splitStreamName(name string) (id, suffix string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i:]
	}
	return name, ""
}

// ParseStreamName decodes the last segment of a stream URL into the catalog
// path and the requested file suffix.
func ParseStreamName(name string) (path, suffix string, err error) {
	id, suffix := splitStreamName(name)
	path, err = PathOf(id)
	return path, suffix, err
}
