package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RawExt is the extension of headerless interleaved 8-bit frames.
const RawExt = ".raw"

var frameExts = map[string]struct{}{
	RawExt:  {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".fits": {},
	".fit":  {},
}

// ListFrames returns all frame files under root in lexical order.
// A root that is itself a frame file is returned on its own.
func ListFrames(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if IsFrameFile(root) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFrameFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsRawFrame reports whether path is a headerless .raw frame.
func IsRawFrame(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == RawExt
}

// IsFrameFile reports whether path has a supported frame extension.
func IsFrameFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := frameExts[ext]
	return ok
}

// SeparateRawAndEncoded splits frames into headerless raws and encoded images.
func SeparateRawAndEncoded(files []string) (raw, encoded []string) {
	for _, file := range files {
		switch {
		case IsRawFrame(file):
			raw = append(raw, file)
		case IsFrameFile(file):
			encoded = append(encoded, file)
		}
	}
	return raw, encoded
}
