package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
)

// Finding flags one suspicious stem file discovered by ScanSilence.
type Finding struct {
	Stem   string
	Reason string
}

// ScanSilence inspects every .wav in a track directory for empty or
// all-zero content. Separation backends occasionally emit technically
// valid but silent stems; callers log these rather than failing the task.
func ScanSilence(dir string) ([]Finding, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		if reason := inspectStem(filepath.Join(dir, entry.Name())); reason != "" {
			findings = append(findings, Finding{Stem: entry.Name(), Reason: reason})
		}
	}
	return findings, nil
}

func inspectStem(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "unreadable: " + err.Error()
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return "undecodable: " + err.Error()
	}
	if buf == nil || len(buf.Data) == 0 {
		return "empty (no frames)"
	}

	maxAmp := 0
	for _, v := range buf.Data {
		if v < 0 {
			v = -v
		}
		if v > maxAmp {
			maxAmp = v
		}
	}
	if maxAmp == 0 {
		return "silent (all zero samples)"
	}
	return ""
}
