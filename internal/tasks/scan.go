package tasks

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"cuip/internal/fsutil"
)

// ScanResult captures the frames found under a root.
type ScanResult struct {
	Frames  []string     `json:"frames"`
	Raw     int          `json:"raw"`
	Encoded int          `json:"encoded"`
	Groups  []FrameGroup `json:"groups"`
}

// FrameGroup is a set of frames likely taken in one session.
type FrameGroup struct {
	BasePath  string `json:"base_path"`
	Count     int    `json:"count"`
	Detection string `json:"detection"` // directory, filename_sequence, timestamp_cluster
}

// sessionGap separates two capture sessions in the same directory.
const sessionGap = 10 * time.Minute

var sequencePattern = regexp.MustCompile(`^(.*?)(\d+)(\D*)$`)

// Scan lists frames under input and groups them by directory, filename
// sequence, and modification-time clusters.
func Scan(input string) (ScanResult, error) {
	files, err := fsutil.ListFrames(input)
	if err != nil {
		return ScanResult{}, err
	}
	raw, encoded := fsutil.SeparateRawAndEncoded(files)
	return ScanResult{
		Frames:  files,
		Raw:     len(raw),
		Encoded: len(encoded),
		Groups:  groupFrames(files),
	}, nil
}

func groupFrames(files []string) []FrameGroup {
	if len(files) == 0 {
		return nil
	}
	dirMap := map[string][]string{}
	for _, f := range files {
		dirMap[filepath.Dir(f)] = append(dirMap[filepath.Dir(f)], f)
	}
	var groups []FrameGroup
	for dir, fs := range dirMap {
		sort.Strings(fs)
		groups = append(groups, FrameGroup{BasePath: dir, Count: len(fs), Detection: "directory"})
		groups = append(groups, groupBySequence(dir, fs)...)
		groups = append(groups, groupByTimestamp(dir, fs)...)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].BasePath == groups[j].BasePath {
			if groups[i].Detection == groups[j].Detection {
				return groups[i].Count > groups[j].Count
			}
			return groups[i].Detection < groups[j].Detection
		}
		return groups[i].BasePath < groups[j].BasePath
	})
	return groups
}

func groupBySequence(dir string, files []string) []FrameGroup {
	byPrefix := map[string]int{}
	for _, f := range files {
		m := sequencePattern.FindStringSubmatch(trimExt(filepath.Base(f)))
		if m == nil {
			continue
		}
		byPrefix[m[1]]++
	}
	var groups []FrameGroup
	for _, n := range byPrefix {
		if n < 3 {
			continue
		}
		groups = append(groups, FrameGroup{BasePath: dir, Count: n, Detection: "filename_sequence"})
	}
	return groups
}

func groupByTimestamp(dir string, files []string) []FrameGroup {
	var times []time.Time
	for _, f := range files {
		st, err := os.Stat(f)
		if err != nil {
			continue
		}
		times = append(times, st.ModTime())
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	var groups []FrameGroup
	start := 0
	for i := 1; i <= len(times); i++ {
		if i == len(times) || times[i].Sub(times[i-1]) > sessionGap {
			if count := i - start; count >= 3 {
				groups = append(groups, FrameGroup{BasePath: dir, Count: count, Detection: "timestamp_cluster"})
			}
			start = i
		}
	}
	return groups
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
